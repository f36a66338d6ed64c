package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/teur/pos"
	"github.com/teur/pos/ndef"
)

const maxTagSize = 64 << 10

type tenderView struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type paymentRequest struct {
	TenderID    string          `json:"tender_id" binding:"required"`
	PaymentID   string          `json:"payment_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description" binding:"max=255"`
	ReaderID    string          `json:"reader_id"`
}

type paymentAccepted struct {
	Status   string       `json:"status"`
	TenderID string       `json:"tender_id"`
	Attempt  *pos.Attempt `json:"attempt,omitempty"`
}

type outcome struct {
	TenderID   string             `json:"tender_id"`
	Succeeded  bool               `json:"succeeded"`
	Result     *pos.PaymentResult `json:"result,omitempty"`
	Error      *pos.Error         `json:"error,omitempty"`
	FinishedAt time.Time          `json:"finished_at"`
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "teur-terminal"})
}

func (s *server) listReaders(c *gin.Context) {
	readers, err := s.deps.Gateway.ListReaders(c.Request.Context())
	if err != nil {
		s.deps.Logger.Warn("Failed to list readers", zap.Error(err))
		pos.WriteError(c.Writer, err)
		return
	}
	if readers == nil {
		readers = []pos.ReaderInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"items": readers})
}

func (s *server) readerStatus(c *gin.Context) {
	src := s.deps.Gateway.(ReaderStatusSource)
	status, err := src.GetReaderStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		pos.WriteError(c.Writer, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *server) listTenders(c *gin.Context) {
	tenders := s.deps.Tenders.List()
	out := make([]tenderView, 0, len(tenders))
	for _, t := range tenders {
		out = append(out, tenderView{ID: t.ID(), Label: t.Label()})
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (s *server) startPayment(c *gin.Context) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pos.WriteError(c.Writer, pos.NewPreconditionError(pos.InvalidRequest, err.Error()))
		return
	}
	if !req.Amount.IsPositive() {
		pos.WriteError(c.Writer, pos.NewPreconditionError(pos.InvalidRequest, "amount must be greater than 0"))
		return
	}
	tender, ok := s.deps.Tenders.Get(req.TenderID)
	if !ok {
		pos.WriteError(c.Writer, pos.NewPreconditionError(pos.InvalidRequest, "unknown tender "+req.TenderID,
			pos.WithStatusCode(http.StatusNotFound)))
		return
	}

	log := s.deps.Logger.With(zap.String("tender_id", req.TenderID), zap.String("payment", req.PaymentID))
	rejected := make(chan *pos.Error, 1)
	cb := pos.CallbackFuncs{
		Succeeded: func(result pos.PaymentResult) {
			log.Info("Payment succeeded", zap.String("payment_id", result.PaymentID))
			s.setLast(&outcome{TenderID: req.TenderID, Succeeded: true, Result: &result, FinishedAt: time.Now()})
		},
		Failed: func(err *pos.Error) {
			log.Warn("Payment failed", zap.Error(err))
			s.setLast(&outcome{TenderID: req.TenderID, Error: err, FinishedAt: time.Now()})
			select {
			case rejected <- err:
			default:
			}
		},
	}

	payment := pos.Payment{
		ID:          req.PaymentID,
		Amount:      req.Amount,
		Description: req.Description,
		ReaderID:    req.ReaderID,
	}
	// The attempt outlives the request.
	ctx := context.WithoutCancel(c.Request.Context())
	if !tender.ProcessPayment(ctx, payment, cb) {
		select {
		case err := <-rejected:
			pos.WriteError(c.Writer, err)
		default:
			pos.WriteError(c.Writer, errors.New("tender rejected payment"))
		}
		return
	}

	resp := paymentAccepted{Status: "pending", TenderID: req.TenderID}
	if req.TenderID == pos.ReaderTenderID && s.deps.Orchestrator != nil {
		resp.Attempt = s.deps.Orchestrator.Current()
	}
	c.JSON(http.StatusAccepted, resp)
}

func (s *server) currentPayment(c *gin.Context) {
	if s.deps.Orchestrator == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no card reader configured"})
		return
	}
	attempt := s.deps.Orchestrator.Current()
	if attempt == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no payment attempt yet"})
		return
	}
	c.JSON(http.StatusOK, attempt)
}

func (s *server) lastPayment(c *gin.Context) {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no finished payment yet"})
		return
	}
	c.JSON(http.StatusOK, last)
}

func (s *server) cancelPayment(c *gin.Context) {
	canceled := false
	if s.deps.Orchestrator != nil {
		canceled = s.deps.Orchestrator.Cancel()
	}
	c.JSON(http.StatusOK, gin.H{"canceled": canceled})
}

// readTag accepts a raw NDEF message from a locally attached reader. The
// optional key query parameter addresses a specific attempt.
func (s *server) readTag(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxTagSize))
	if err != nil {
		pos.WriteError(c.Writer, pos.NewPreconditionError(pos.InvalidRequest, err.Error()))
		return
	}
	rec, ok, err := ndef.Decode(data, s.deps.Logger)
	if err != nil {
		pos.WriteError(c.Writer, pos.NewPreconditionError(pos.InvalidRequest, err.Error()))
		return
	}
	if !ok {
		pos.WriteError(c.Writer, pos.NewMissingTokenDataError("no payment record found on tag"))
		return
	}
	if err := s.deps.Deliverer.Deliver(c.Request.Context(), c.Query("key"), rec); err != nil {
		pos.WriteError(c.Writer, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "payment_id": rec.PaymentID})
}

func (s *server) setLast(o *outcome) {
	s.mu.Lock()
	s.last = o
	s.mu.Unlock()
}
