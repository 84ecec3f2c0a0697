package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/chainchat/internal/ledger"
	"go.uber.org/zap"
)

// ChainView is the read side of the ledger. Implemented by *ledger.Ledger.
type ChainView interface {
	Len() int
	Tail() (ledger.SealedRecord, error)
	Get(index int) (ledger.SealedRecord, error)
	Snapshot() []ledger.SealedRecord
	Validate() (ledger.Report, error)
	Difficulty() int
}

// PeerView is the read side of the peer registry. Implemented by *peers.Registry.
type PeerView interface {
	Count() int
	Peers() []string
}

// ChainHandler exposes read-only HTTP endpoints for the sealed chain.
type ChainHandler struct {
	chain  ChainView
	peers  PeerView
	logger *zap.Logger
}

// NewChainHandler creates a new ChainHandler.
func NewChainHandler(chain ChainView, peers PeerView, logger *zap.Logger) *ChainHandler {
	return &ChainHandler{chain: chain, peers: peers, logger: logger}
}

// Register mounts the chain routes on the given router group.
func (h *ChainHandler) Register(rg *gin.RouterGroup) {
	c := rg.Group("/chain")
	{
		c.GET("", h.Chain)
		c.GET("/info", h.Info)
		c.GET("/verify", h.Verify)
		c.GET("/tail", h.Tail)
		c.GET("/records/:idx", h.GetRecord)
	}
}

// Info handles GET /chain/info: chain length, validity, difficulty, peer
// count and the latest record.
func (h *ChainHandler) Info(c *gin.Context) {
	rep, err := h.chain.Validate()
	if err != nil {
		h.chainUnavailable(c, err)
		return
	}
	tail, err := h.chain.Tail()
	if err != nil {
		h.chainUnavailable(c, err)
		return
	}
	SetChainLength(rep.Length)
	SetChainValid(rep.Valid)

	c.JSON(http.StatusOK, gin.H{
		"chain_length": rep.Length,
		"is_valid":     rep.Valid,
		"difficulty":   h.chain.Difficulty(),
		"peers":        h.peers.Count(),
		"latest_block": tail,
	})
}

// Chain handles GET /chain: the full chain as of the request.
func (h *ChainHandler) Chain(c *gin.Context) {
	c.JSON(http.StatusOK, h.chain.Snapshot())
}

// Verify handles GET /chain/verify: walks the chain and returns every violation.
func (h *ChainHandler) Verify(c *gin.Context) {
	rep, err := h.chain.Validate()
	if err != nil {
		h.chainUnavailable(c, err)
		return
	}
	SetChainValid(rep.Valid)
	if !rep.Valid {
		h.logger.Warn("chain integrity check failed",
			zap.Int("violations", len(rep.Violations)),
			zap.Error(rep.Err()),
		)
	}
	c.JSON(http.StatusOK, rep)
}

// Tail handles GET /chain/tail: the most recently appended record.
func (h *ChainHandler) Tail(c *gin.Context) {
	tail, err := h.chain.Tail()
	if err != nil {
		h.chainUnavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, tail)
}

// GetRecord handles GET /chain/records/:idx: a single record.
func (h *ChainHandler) GetRecord(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	rec, err := h.chain.Get(idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *ChainHandler) chainUnavailable(c *gin.Context, err error) {
	if errors.Is(err, ledger.ErrEmptyLedger) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger not initialized"})
		return
	}
	h.logger.Error("chain query", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query chain"})
}
