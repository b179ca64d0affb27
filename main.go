package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"

	"privacyvaults/vault-core/commitment"
	"privacyvaults/vault-core/config"
	"privacyvaults/vault-core/field"
	"privacyvaults/vault-core/indexer"
	"privacyvaults/vault-core/logging"
	merkletree "privacyvaults/vault-core/merkle-tree"
	"privacyvaults/vault-core/note"
	"privacyvaults/vault-core/prover"
	"privacyvaults/vault-core/server"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logging.Logger().Fatal().Err(err).Msg("command failed")
	}
}

var leavesFlags = []cli.Flag{
	&cli.StringFlag{Name: "leaves", Usage: "comma separated leaf commitments in insertion order"},
	&cli.StringFlag{Name: "leaves-file", Usage: "JSON file holding an array of leaf commitments"},
}

func newApp() *cli.App {
	return &cli.App{
		Name:                 "vault",
		Usage:                "privacy vault notes, commitments and Merkle proofs",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML configuration file", EnvVars: []string{"VAULT_CONFIG"}},
			&cli.StringFlag{Name: "log-level", Usage: "log level (debug, info, warn, error)", Value: "info"},
			&cli.BoolFlag{Name: "json-logging", Usage: "enable JSON logging"},
			&cli.IntFlag{Name: "tree-height", Usage: "Merkle tree height, overrides the config file"},
			&cli.StringFlag{Name: "hash-backend", Usage: "hash backend (poseidon2, poseidon, remote), overrides the config file"},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("json-logging") {
				logging.SetJSONOutput()
			}
			return logging.SetLevel(c.String("log-level"))
		},
		Commands: []*cli.Command{
			{
				Name:  "generate-note",
				Usage: "generate fresh deposit secrets and print the encoded note",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Usage: "note format (prefixed / legacy)", Value: "prefixed"},
					&cli.StringFlag{Name: "currency", Usage: "[Prefixed]: currency symbol"},
					&cli.StringFlag{Name: "amount", Usage: "[Prefixed]: deposit amount in base units"},
					&cli.StringFlag{Name: "network", Usage: "[Prefixed]: network name"},
					&cli.StringFlag{Name: "yield-index", Usage: "[Prefixed]: yield index", Value: "0x00"},
				},
				Action: func(c *cli.Context) error {
					scheme, err := loadScheme(c)
					if err != nil {
						return err
					}
					return generateNote(c, scheme)
				},
			},
			{
				Name:  "decode-note",
				Usage: "decode a note and print its public values",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "note", Usage: "encoded note", Required: true},
				},
				Action: func(c *cli.Context) error {
					scheme, err := loadScheme(c)
					if err != nil {
						return err
					}
					parsed, err := note.Parse(c.String("note"))
					if err != nil {
						return err
					}
					response, err := server.DescribeNote(c.Context, scheme, parsed.Note, parsed.Version)
					if err != nil {
						return err
					}
					if parsed.Metadata != nil {
						response.Metadata = &server.MetadataResponse{
							Currency: parsed.Metadata.Currency,
							Amount:   parsed.Metadata.Amount.Dec(),
							Network:  parsed.Metadata.Network,
						}
					}
					return printJSON(c.App.Writer, response)
				},
			},
			{
				Name:  "note-metadata",
				Usage: "print the metadata prefix of a note without decoding its secrets",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "note", Usage: "encoded note", Required: true},
					&cli.IntFlag{Name: "decimals", Usage: "decimals used to render the display amount", Value: 18},
				},
				Action: func(c *cli.Context) error {
					meta := note.ParsePrefixMetadata(c.String("note"))
					if meta == nil {
						return fmt.Errorf("note has no readable metadata prefix")
					}
					return printJSON(c.App.Writer, map[string]string{
						"currency":      meta.Currency,
						"amount":        meta.Amount.Dec(),
						"displayAmount": meta.DisplayAmount(int32(c.Int("decimals"))),
						"network":       meta.Network,
					})
				},
			},
			{
				Name:  "nullifier-hash",
				Usage: "compute the nullifier hash revealed by a spend",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "nullifier", Usage: "nullifier", Required: true},
					&cli.StringFlag{Name: "flow", Usage: "spend flow (withdraw / collateral)", Value: "withdraw"},
				},
				Action: func(c *cli.Context) error {
					scheme, err := loadScheme(c)
					if err != nil {
						return err
					}
					nullifier, err := field.Decode(c.String("nullifier"))
					if err != nil {
						return err
					}
					flow, err := commitment.ParseFlow(c.String("flow"))
					if err != nil {
						return err
					}
					hash, err := scheme.FlowNullifierHash(c.Context, flow, nullifier)
					if err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, hash.Hex())
					return nil
				},
			},
			{
				Name:  "zero-values",
				Usage: "print the empty-subtree value of every level",
				Action: func(c *cli.Context) error {
					tree, err := loadTree(c)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, tree.ZeroValues())
				},
			},
			{
				Name:  "root",
				Usage: "print the root of the tree holding the given leaves",
				Flags: leavesFlags,
				Action: func(c *cli.Context) error {
					tree, err := loadTree(c)
					if err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, tree.Root().Hex())
					return nil
				},
			},
			{
				Name:  "proof",
				Usage: "print the inclusion proof of a leaf",
				Flags: append([]cli.Flag{
					&cli.Uint64Flag{Name: "index", Usage: "leaf index"},
					&cli.StringFlag{Name: "commitment", Usage: "leaf commitment, looked up when --index is not set"},
				}, leavesFlags...),
				Action: func(c *cli.Context) error {
					tree, err := loadTree(c)
					if err != nil {
						return err
					}
					index := c.Uint64("index")
					if !c.IsSet("index") {
						if !c.IsSet("commitment") {
							return fmt.Errorf("either --index or --commitment must be provided")
						}
						leaf, err := field.Decode(c.String("commitment"))
						if err != nil {
							return err
						}
						if index, err = tree.IndexOf(leaf); err != nil {
							return err
						}
					}
					proof, err := tree.Proof(index)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, proof)
				},
			},
			{
				Name:  "verify-proof",
				Usage: "check an inclusion proof read from a JSON file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "proof-file", Usage: "JSON proof as printed by the proof command", Required: true},
				},
				Action: func(c *cli.Context) error {
					scheme, err := loadScheme(c)
					if err != nil {
						return err
					}
					data, err := os.ReadFile(c.String("proof-file"))
					if err != nil {
						return err
					}
					var proof merkletree.Proof
					if err := json.Unmarshal(data, &proof); err != nil {
						return err
					}
					ok, err := proof.Verify(c.Context, scheme.Hasher())
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("proof does not match root %s", proof.Root)
					}
					fmt.Fprintln(c.App.Writer, "ok")
					return nil
				},
			},
			{
				Name:  "prover-inputs",
				Usage: "assemble the withdraw circuit inputs for a note",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "note", Usage: "encoded note", Required: true},
					&cli.StringFlag{Name: "recipient", Usage: "recipient address", Required: true},
					&cli.StringFlag{Name: "flow", Usage: "spend flow (withdraw / collateral)", Value: "withdraw"},
				}, leavesFlags...),
				Action: func(c *cli.Context) error {
					tree, err := loadTree(c)
					if err != nil {
						return err
					}
					scheme, err := loadScheme(c)
					if err != nil {
						return err
					}
					inputs, err := proverInputs(c, scheme, tree)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, inputs)
				},
			},
			startCommand(),
		},
	}
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "run the vault HTTP server, commitment indexer and proof workers",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "prover-address", Usage: "address for the vault server"},
			&cli.StringFlag{Name: "metrics-address", Usage: "address for the metrics server"},
			&cli.StringFlag{Name: "redis-url", Usage: "Redis URL for queue processing (e.g., redis://localhost:6379)"},
			&cli.StringFlag{Name: "prover-url", Usage: "base URL of the external proving service"},
			&cli.StringFlag{Name: "leaves-file", Usage: "JSON file of known leaves to replay before serving"},
			&cli.BoolFlag{Name: "queue-only", Usage: "Run only queue workers and the indexer (no HTTP server)"},
			&cli.BoolFlag{Name: "server-only", Usage: "Run only HTTP server (no queue workers)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			for flag, target := range map[string]*string{
				"prover-address":  &cfg.ProverAddress,
				"metrics-address": &cfg.MetricsAddress,
				"redis-url":       &cfg.RedisURL,
				"prover-url":      &cfg.ProverURL,
			} {
				if c.IsSet(flag) {
					*target = c.String(flag)
				}
			}

			h, err := cfg.Hasher()
			if err != nil {
				return err
			}
			tree, err := merkletree.New(c.Context, cfg.TreeHeight, h, field.Zero)
			if err != nil {
				return err
			}
			ix := indexer.New(tree)
			if c.IsSet("leaves-file") {
				leaves, err := readLeavesFile(c.String("leaves-file"))
				if err != nil {
					return err
				}
				if err := ix.Replay(c.Context, leaves); err != nil {
					return err
				}
				logging.Logger().Info().
					Int("leaves", len(leaves)).
					Str("root", ix.Root().Hex()).
					Msg("Replayed known commitments")
			}

			var p prover.Prover
			if cfg.ProverURL != "" {
				p = prover.NewClient(cfg.ProverURL, os.Getenv("VAULT_PROVER_API_KEY"), 5*time.Minute)
			}

			queueOnly := c.Bool("queue-only")
			serverOnly := c.Bool("server-only")
			enableQueue := cfg.RedisURL != "" && !serverOnly
			enableServer := !queueOnly
			if !enableServer && !enableQueue {
				return fmt.Errorf("at least one of server or queue mode must be enabled")
			}

			logging.Logger().Info().
				Bool("enable_queue", enableQueue).
				Bool("enable_server", enableServer).
				Int("tree_height", cfg.TreeHeight).
				Str("hash_backend", cfg.HashBackend).
				Msg("Starting vault service")

			var (
				workers    []server.QueueWorker
				jobs       []server.RunningJob
				redisQueue *server.RedisQueue
			)

			if cfg.RedisURL != "" {
				redisQueue, err = server.NewRedisQueue(cfg.RedisURL)
				if err != nil {
					return fmt.Errorf("failed to connect to Redis: %w", err)
				}
				if stats, err := redisQueue.GetQueueStats(); err == nil {
					logging.Logger().Info().Interface("initial_queue_stats", stats).Msg("Redis connection successful")
				}
			}

			if enableQueue {
				source := server.NewCommitmentSource(redisQueue, cfg.CommitmentsQueue)
				jobs = append(jobs, server.SpawnContextJob("commitment indexer", func(ctx context.Context) error {
					return ix.Run(ctx, source)
				}))
				jobs = append(jobs, server.SpawnContextJob("failed job cleanup", func(ctx context.Context) error {
					return cleanupLoop(ctx, redisQueue)
				}))

				if p != nil {
					worker := server.NewProveQueueWorker(redisQueue, p)
					workers = append(workers, worker)
					go worker.Start()
					logging.Logger().Info().Msg("Proof queue worker started")
				} else {
					logging.Logger().Warn().Msg("No prover_url configured - queued proof jobs will not be processed")
				}
			}

			if enableServer {
				svc := &server.Service{
					Scheme:  commitment.NewScheme(h),
					Indexer: ix,
					Prover:  p,
				}
				if !serverOnly {
					svc.Queue = redisQueue
				}
				jobs = append(jobs, server.Run(&server.Config{
					ProverAddress:  cfg.ProverAddress,
					MetricsAddress: cfg.MetricsAddress,
					Keys:           cfg.Keys,
				}, svc))
			}
			instance := server.CombineJobs(jobs...)

			sigint := make(chan os.Signal, 1)
			signal.Notify(sigint, os.Interrupt)
			<-sigint
			logging.Logger().Info().Msg("Received sigint, shutting down")

			for i, worker := range workers {
				logging.Logger().Info().Int("worker_id", i+1).Msg("Stopping worker")
				worker.Stop()
			}

			instance.RequestStop()
			instance.AwaitStop()

			if redisQueue != nil {
				if stats, err := redisQueue.GetQueueStats(); err == nil {
					logging.Logger().Info().Interface("final_queue_stats", stats).Msg("Final queue statistics")
				}
			}

			logging.Logger().Info().
				Uint64("leaf_count", ix.LeafCount()).
				Str("root", ix.Root().Hex()).
				Msg("Shutdown completed")
			return nil
		},
	}
}

func cleanupLoop(ctx context.Context, redisQueue *server.RedisQueue) error {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		if _, err := redisQueue.CleanupOldFailedJobs(time.Hour); err != nil {
			logging.Logger().Error().Err(err).Msg("Failed to cleanup old failed jobs")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.ReadConfig(c.String("config"))
	if err != nil {
		return cfg, err
	}
	if c.IsSet("tree-height") {
		cfg.TreeHeight = c.Int("tree-height")
	}
	if c.IsSet("hash-backend") {
		cfg.HashBackend = c.String("hash-backend")
	}
	return cfg, cfg.Validate()
}

func loadScheme(c *cli.Context) (*commitment.Scheme, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	h, err := cfg.Hasher()
	if err != nil {
		return nil, err
	}
	return commitment.NewScheme(h), nil
}

// loadTree builds a tree of the configured height from --leaves or
// --leaves-file, whichever is given.
func loadTree(c *cli.Context) (*merkletree.Accumulator, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	h, err := cfg.Hasher()
	if err != nil {
		return nil, err
	}
	var leaves []field.Element
	switch {
	case c.IsSet("leaves-file"):
		leaves, err = readLeavesFile(c.String("leaves-file"))
	case c.IsSet("leaves"):
		leaves, err = field.DecodeList(c.String("leaves"))
	}
	if err != nil {
		return nil, err
	}
	tree, err := merkletree.New(c.Context, cfg.TreeHeight, h, field.Zero)
	if err != nil {
		return nil, err
	}
	if err := tree.Initialize(c.Context, leaves); err != nil {
		return nil, err
	}
	return tree, nil
}

func readLeavesFile(path string) ([]field.Element, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var leaves []field.Element
	if err := json.Unmarshal(data, &leaves); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return leaves, nil
}

func generateNote(c *cli.Context, scheme *commitment.Scheme) error {
	version, err := note.ParseVersion(c.String("format"))
	if err != nil {
		return err
	}
	secrets, err := scheme.Generate(c.Context)
	if err != nil {
		return err
	}
	n := note.Note{Commitment: secrets.Commitment, Nullifier: secrets.Nullifier, Secret: secrets.Secret}

	var meta *note.Metadata
	if version == note.Prefixed {
		amount, err := uint256.FromDecimal(c.String("amount"))
		if err != nil {
			return fmt.Errorf("invalid --amount: %w", err)
		}
		yield, err := field.Decode(c.String("yield-index"))
		if err != nil {
			return fmt.Errorf("invalid --yield-index: %w", err)
		}
		n.YieldIndex = &yield
		meta = &note.Metadata{Currency: c.String("currency"), Amount: amount, Network: c.String("network")}
	}

	encoded, err := note.Encode(n, version, meta)
	if err != nil {
		return err
	}
	response, err := server.DescribeNote(c.Context, scheme, n, version)
	if err != nil {
		return err
	}
	response.Note = encoded
	return printJSON(c.App.Writer, response)
}

func proverInputs(c *cli.Context, scheme *commitment.Scheme, tree *merkletree.Accumulator) (*prover.WithdrawInputs, error) {
	n, err := note.Decode(c.String("note"))
	if err != nil {
		return nil, err
	}
	recipient, err := field.Decode(c.String("recipient"))
	if err != nil {
		return nil, fmt.Errorf("invalid --recipient: %w", err)
	}
	flow, err := commitment.ParseFlow(c.String("flow"))
	if err != nil {
		return nil, err
	}
	leaf, err := prover.Leaf(c.Context, scheme, n)
	if err != nil {
		return nil, err
	}
	index, err := tree.IndexOf(leaf)
	if err != nil {
		return nil, err
	}
	proof, err := tree.Proof(index)
	if err != nil {
		return nil, err
	}
	return prover.BuildWithdrawInputs(c.Context, scheme, n, proof, recipient, flow)
}

func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
