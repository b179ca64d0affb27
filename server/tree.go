package server

import (
	"fmt"
	"net/http"
	"strconv"

	"privacyvaults/vault-core/field"
	"privacyvaults/vault-core/indexer"
	"privacyvaults/vault-core/logging"
	merkletree "privacyvaults/vault-core/merkle-tree"
)

type TreeRootResponse struct {
	Root      field.Element `json:"root"`
	LeafCount uint64        `json:"leafCount"`
	Height    int           `json:"height"`
}

type treeRootHandler struct {
	svc *Service
}

func (handler treeRootHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ix := handler.svc.Indexer
	writeJSON(w, http.StatusOK, TreeRootResponse{
		Root:      ix.Root(),
		LeafCount: ix.LeafCount(),
		Height:    ix.Height(),
	})
}

type zeroValuesHandler struct {
	svc *Service
}

func (handler zeroValuesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]field.Element{
		"zeroValues": handler.svc.Indexer.ZeroValues(),
	})
}

// InsertLeafRequest appends Commitment. With LeafIndex set it is treated as
// a chain event and must arrive in order. Without it the leaf takes the next
// index, which is refused while chain events are being ingested.
type InsertLeafRequest struct {
	Commitment field.Element `json:"commitment"`
	LeafIndex  *uint64       `json:"leafIndex,omitempty"`
}

type InsertLeafResponse struct {
	LeafIndex uint64        `json:"leafIndex"`
	Root      field.Element `json:"root"`
	Applied   bool          `json:"applied"`
}

type leavesHandler struct {
	svc *Service
}

// ServeHTTP exports the leaves on GET, in the JSON array format read by
// --leaves-file, and inserts one on POST.
func (handler leavesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, handler.svc.Indexer.Leaves())
		return
	case http.MethodPost:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req InsertLeafRequest
	if err := readJSON(w, r, &req); err != nil {
		err.send(w)
		return
	}

	ix := handler.svc.Indexer
	response := InsertLeafResponse{Applied: true}
	if req.LeafIndex != nil {
		applied, err := ix.Apply(r.Context(), indexer.CommitmentEvent{LeafIndex: *req.LeafIndex, Commitment: req.Commitment})
		if err != nil {
			domainError(err).send(w)
			return
		}
		response.LeafIndex = *req.LeafIndex
		response.Applied = applied
	} else {
		index, err := ix.Append(r.Context(), req.Commitment)
		if err != nil {
			domainError(err).send(w)
			return
		}
		response.LeafIndex = index
	}
	response.Root = ix.Root()

	status := http.StatusOK
	if response.Applied {
		RecordTreeInsert("api", ix.LeafCount())
		status = http.StatusCreated
		logging.Logger().Info().
			Uint64("leaf_index", response.LeafIndex).
			Str("root", response.Root.Hex()).
			Msg("Inserted commitment")
	}
	writeJSON(w, status, response)
}

type leafIndexHandler struct {
	svc *Service
}

func (handler leafIndexHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	leaf, err := field.Decode(r.URL.Query().Get("leaf"))
	if err != nil {
		malformedBodyError(fmt.Errorf("leaf: %w", err)).send(w)
		return
	}
	index, err := handler.svc.Indexer.IndexOf(leaf)
	if err != nil {
		domainError(err).send(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"leafIndex": index})
}

// treeProofHandler serves /tree/proof?index=N or ?commitment=0x...
type treeProofHandler struct {
	svc *Service
}

func (handler treeProofHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	var (
		proof *merkletree.Proof
		err   error
	)
	switch {
	case query.Get("index") != "":
		index, parseErr := strconv.ParseUint(query.Get("index"), 10, 64)
		if parseErr != nil {
			malformedBodyError(fmt.Errorf("index: %w", parseErr)).send(w)
			return
		}
		proof, err = handler.svc.Indexer.Proof(index)
	case query.Get("commitment") != "":
		leaf, decodeErr := field.Decode(query.Get("commitment"))
		if decodeErr != nil {
			malformedBodyError(fmt.Errorf("commitment: %w", decodeErr)).send(w)
			return
		}
		proof, err = handler.svc.Indexer.ProofOf(leaf)
	default:
		malformedBodyError(fmt.Errorf("index or commitment parameter required")).send(w)
		return
	}
	if err != nil {
		domainError(err).send(w)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}
