package pipe

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agreenet/providerd/internal/chain"
	"github.com/agreenet/providerd/internal/database"
	"github.com/agreenet/providerd/internal/pkg/perrors"
	"github.com/agreenet/providerd/internal/pkg/ulid"
)

// busMessage is the envelope as carried over the messaging bus, extended
// with the reply channel. Delivery ordering is not guaranteed; handler
// idempotency is the handler's responsibility.
type busMessage struct {
	Envelope
	ReplyTo string `json:"replyTo"`
}

// BusListener serves the operator pipe over the redis messaging bus. One
// listener per operator identity, keyed by the operator address.
type BusListener struct {
	router   *Router
	redis    *database.Redis
	operator common.Address
	logger   *slog.Logger
}

// NewBusListener builds the bus listener for one operator identity.
func NewBusListener(router *Router, rdb *database.Redis, operator common.Address, logger *slog.Logger) *BusListener {
	return &BusListener{
		router:   router,
		redis:    rdb,
		operator: operator,
		logger: logger.With(
			slog.String("component", "pipe-bus"),
			slog.String("operator", operator.Hex()),
		),
	}
}

// Channel is the bus channel this operator listens on.
func (l *BusListener) Channel() string {
	return "pipe:" + chain.NormalizeAddress(l.operator.Hex())
}

// Run consumes bus messages until the context is cancelled. Each message is
// verified and dispatched on its own goroutine so a slow handler does not
// stall the subscription.
func (l *BusListener) Run(ctx context.Context) error {
	sub := l.redis.Client().Subscribe(ctx, l.Channel())
	defer sub.Close()

	l.logger.Info("pipe bus listening", slog.String("channel", l.Channel()))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			go l.handle(ctx, msg.Payload)
		}
	}
}

func (l *BusListener) handle(ctx context.Context, raw string) {
	start := time.Now()
	// Bus messages carry no transport-level id, so each delivery gets its
	// own trace id for log correlation.
	logger := l.logger.With(slog.String("traceId", ulid.New()))

	var msg busMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		logger.Warn("dropping malformed bus message", slog.String("error", err.Error()))
		return
	}
	if msg.ReplyTo == "" {
		logger.Warn("dropping bus message without reply channel")
		return
	}

	var resp Response
	req, err := VerifyEnvelope(&msg.Envelope)
	if err != nil {
		pe := perrors.AsPipeError(err)
		resp = Response{Code: pe.Code, Body: pe}
		requestsTotal.WithLabelValues("bus", "", "", strconv.Itoa(resp.Code)).Inc()
	} else {
		resp = l.router.Dispatch(ctx, req)
		requestsTotal.WithLabelValues("bus", req.Method, req.Path, strconv.Itoa(resp.Code)).Inc()
	}
	requestDuration.WithLabelValues("bus").Observe(time.Since(start).Seconds())

	body, err := json.Marshal(resp)
	if err != nil {
		logger.Error("failed to encode bus response", slog.String("error", err.Error()))
		return
	}
	if err := l.redis.Client().Publish(ctx, msg.ReplyTo, body).Err(); err != nil {
		logger.Error("failed to publish bus response",
			slog.String("channel", msg.ReplyTo),
			slog.String("error", err.Error()),
		)
	}
}
