package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gridagent/internal/orders"
)

// OrderBoard is the order-board surface the HTTP API exposes.
type OrderBoard interface {
	Snapshot() []orders.Order
	Get(id string) (orders.Order, bool)
	CreateOrMergeOrder(ctx context.Context, req orders.CreateOrder) (orders.Order, error)
	BlockOrder(charName, orderID, reason string, until *time.Time)
}

// WithOrderBoard registers the /api/orders routes over the given board.
func WithOrderBoard(b OrderBoard) Option {
	return func(s *Server) { s.board = b }
}

type createOrderRequest struct {
	RequesterName string `json:"requesterName"`
	RecipeCode    string `json:"recipeCode"`
	ItemCode      string `json:"itemCode"`
	SourceType    string `json:"sourceType"`
	SourceCode    string `json:"sourceCode"`
	GatherSkill   string `json:"gatherSkill"`
	SourceLevel   int    `json:"sourceLevel"`
	Quantity      int    `json:"quantity"`
}

type blockOrderRequest struct {
	CharName string `json:"charName"`
	Reason   string `json:"reason"`
	UntilMs  int64  `json:"untilMs"` // 0 blocks for the rest of the run
}

func (s *Server) listOrdersHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orders": s.board.Snapshot()})
}

func (s *Server) getOrderHandler(c *gin.Context) {
	order, ok := s.board.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "order_not_found",
			"message": "No order with id " + c.Param("id"),
		})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) createOrderHandler(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if req.ItemCode == "" || req.SourceType == "" || req.Quantity <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "itemCode, sourceType, and a positive quantity are required",
		})
		return
	}

	order, err := s.board.CreateOrMergeOrder(c.Request.Context(), orders.CreateOrder{
		RequesterName: req.RequesterName,
		RecipeCode:    req.RecipeCode,
		ItemCode:      req.ItemCode,
		SourceType:    req.SourceType,
		SourceCode:    req.SourceCode,
		GatherSkill:   req.GatherSkill,
		SourceLevel:   req.SourceLevel,
		Quantity:      req.Quantity,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "create_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) blockOrderHandler(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.board.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "order_not_found",
			"message": "No order with id " + id,
		})
		return
	}

	var req blockOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if req.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}
	charName := req.CharName
	if charName == "" {
		charName = orders.GlobalChar
	}
	var until *time.Time
	if req.UntilMs > 0 {
		t := time.UnixMilli(req.UntilMs).UTC()
		until = &t
	}

	s.board.BlockOrder(charName, id, req.Reason, until)
	c.Status(http.StatusNoContent)
}
