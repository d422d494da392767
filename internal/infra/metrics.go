package infra

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"key-custody-service/internal/domain"
)

const metricsNamespace = "key_custody"

// 計測結果のラベル値。
const (
	resultSuccess  = "success"
	resultNotFound = "not_found"
	resultError    = "error"
)

// InstrumentedKeyStore はキーストア呼び出しの回数と所要時間を記録するデコレータ。
type InstrumentedKeyStore struct {
	next     KeyStore
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewInstrumentedKeyStore は next をラップし、メトリクスを reg に登録する。
func NewInstrumentedKeyStore(next KeyStore, backend string, reg prometheus.Registerer) (*InstrumentedKeyStore, error) {
	labels := prometheus.Labels{"backend": backend}
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "keystore",
		Name:        "calls_total",
		Help:        "Total number of key store calls by operation and result.",
		ConstLabels: labels,
	}, []string{"operation", "result"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "keystore",
		Name:        "call_duration_seconds",
		Help:        "Duration of key store calls in seconds.",
		ConstLabels: labels,
		Buckets:     []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"operation"})

	for _, c := range []prometheus.Collector{calls, duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering key store metrics: %w", err)
		}
	}
	return &InstrumentedKeyStore{next: next, calls: calls, duration: duration}, nil
}

func (s *InstrumentedKeyStore) observe(op string, start time.Time, err error) {
	s.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	result := resultSuccess
	switch {
	case errors.Is(err, domain.ErrPrivateKeyNotFound):
		result = resultNotFound
	case err != nil:
		result = resultError
	}
	s.calls.WithLabelValues(op, result).Inc()
}

func (s *InstrumentedKeyStore) GenerateKeyPair(ctx context.Context, spec domain.AlgorithmSpec) (pub crypto.PublicKey, priv crypto.Signer, err error) {
	defer func(start time.Time) { s.observe("generate_key_pair", start, err) }(time.Now())
	return s.next.GenerateKeyPair(ctx, spec)
}

func (s *InstrumentedKeyStore) StorePrivateKey(ctx context.Context, priv crypto.Signer) (id string, err error) {
	defer func(start time.Time) { s.observe("store_private_key", start, err) }(time.Now())
	return s.next.StorePrivateKey(ctx, priv)
}

func (s *InstrumentedKeyStore) ExportPublicKey(ctx context.Context, pub crypto.PublicKey) (der []byte, err error) {
	defer func(start time.Time) { s.observe("export_public_key", start, err) }(time.Now())
	return s.next.ExportPublicKey(ctx, pub)
}

func (s *InstrumentedKeyStore) ImportPublicKey(ctx context.Context, der []byte, spec domain.AlgorithmSpec) (pub crypto.PublicKey, err error) {
	defer func(start time.Time) { s.observe("import_public_key", start, err) }(time.Now())
	return s.next.ImportPublicKey(ctx, der, spec)
}

func (s *InstrumentedKeyStore) RetrievePrivateKey(ctx context.Context, id string) (priv crypto.Signer, err error) {
	defer func(start time.Time) { s.observe("retrieve_private_key", start, err) }(time.Now())
	return s.next.RetrievePrivateKey(ctx, id)
}

func (s *InstrumentedKeyStore) RemovePrivateKey(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { s.observe("remove_private_key", start, err) }(time.Now())
	return s.next.RemovePrivateKey(ctx, id)
}

func (s *InstrumentedKeyStore) Sign(ctx context.Context, spec domain.AlgorithmSpec, priv crypto.Signer, digest []byte) (sig []byte, err error) {
	defer func(start time.Time) { s.observe("sign", start, err) }(time.Now())
	return s.next.Sign(ctx, spec, priv, digest)
}

func (s *InstrumentedKeyStore) Close() error {
	return s.next.Close()
}
