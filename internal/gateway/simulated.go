package gateway

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"order-reconciler/internal/models"
	"order-reconciler/internal/service"
	"order-reconciler/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSimulatedDecline is returned when the simulator is told to refuse initiation
var ErrSimulatedDecline = errors.New("simulated gateway refused the request")

// CallbackSink accepts raw callback bodies for asynchronous processing
type CallbackSink interface {
	Submit(ctx context.Context, provider string, payload []byte) error
}

// SimulatedConfig controls the development-mode gateway
type SimulatedConfig struct {
	// Provider selects the callback body format delivered to the sink
	Provider      string
	CallbackDelay time.Duration
	SuccessRate   float64
	// InitiationFailureRate makes Initiate itself fail
	InitiationFailureRate float64
	// AutoCallback delivers a callback to the sink after CallbackDelay
	AutoCallback bool
}

// SimulatedGateway stands in for the payment provider in development.
// Every Initiate gets a unique sim-<uuid> ref.
type SimulatedGateway struct {
	cfg    SimulatedConfig
	sink   CallbackSink
	logger *zap.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// NewSimulatedGateway creates a simulated gateway; sink may be nil
func NewSimulatedGateway(cfg SimulatedConfig, sink CallbackSink) *SimulatedGateway {
	if cfg.Provider == "" {
		cfg.Provider = ProviderMpesa
	}
	return &SimulatedGateway{
		cfg:    cfg,
		sink:   sink,
		logger: util.GetLogger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:   make(chan struct{}),
	}
}

// SetSink attaches the callback sink once it has been built
func (g *SimulatedGateway) SetSink(sink CallbackSink) {
	g.sink = sink
}

// Initiate simulates an STK push
func (g *SimulatedGateway) Initiate(ctx context.Context, req service.InitiationRequest) (string, error) {
	_, span := util.StartSpan(ctx, "SimulatedGateway.Initiate", req.OrderID)
	defer span.End()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if g.roll() < g.cfg.InitiationFailureRate {
		return "", ErrSimulatedDecline
	}

	ref := "sim-" + uuid.New().String()
	g.logger.Info("Simulated STK push",
		zap.String("order_id", req.OrderID),
		zap.String("payment_ref", ref),
		zap.String("msisdn", NormalizeMSISDN(req.CustomerRef)),
		zap.Int64("amount", req.Amount))

	if g.cfg.AutoCallback && g.sink != nil {
		success := g.roll() < g.cfg.SuccessRate
		g.wg.Add(1)
		go g.deliver(ref, req.Amount, success)
	}
	return ref, nil
}

func (g *SimulatedGateway) deliver(ref string, amount int64, success bool) {
	defer g.wg.Done()

	select {
	case <-g.stop:
		return
	case <-time.After(g.cfg.CallbackDelay):
	}

	now := time.Now()
	var payload []byte
	switch g.cfg.Provider {
	case ProviderGeneric:
		result := models.PaymentResultFailure
		if success {
			result = models.PaymentResultSuccess
		}
		payload = GenericPayload(ref, result, amount, now)
	default:
		code := 1032
		if success {
			code = 0
		}
		payload = MpesaPayload(ref, code, amount, now)
	}

	if err := g.sink.Submit(context.Background(), g.cfg.Provider, payload); err != nil {
		g.logger.Error("Failed to deliver simulated callback",
			zap.String("payment_ref", ref),
			zap.Error(err))
	}
}

func (g *SimulatedGateway) roll() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64()
}

// Close stops pending deliveries and waits for in-flight ones
func (g *SimulatedGateway) Close() {
	g.once.Do(func() { close(g.stop) })
	g.wg.Wait()
}
