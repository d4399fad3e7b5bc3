package relay

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/epiguard/epi-monitor/internal/catalog"
	"github.com/epiguard/epi-monitor/pkg/types"
)

// MockDetector returns plausible simulated detections without any network
// access. It is used for demo mode and as the fallback after relay failures.
type MockDetector struct {
	catalog *catalog.Catalog

	mu  sync.Mutex
	rng *rand.Rand
}

// NewMockDetector returns a MockDetector drawing from c's selectable labels.
// A nil rng uses a randomly seeded source.
func NewMockDetector(c *catalog.Catalog, rng *rand.Rand) *MockDetector {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &MockDetector{catalog: c, rng: rng}
}

// Detect ignores the frame and returns 1 to 5 distinct selectable EPIs laid
// out diagonally on a 640x480 image.
func (m *MockDetector) Detect(ctx context.Context, _ []byte) (*types.RelayResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pool := m.catalog.Selectable()
	m.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	n := 1 + m.rng.IntN(5)
	if n > len(pool) {
		n = len(pool)
	}

	preds := make([]types.Detection, 0, n)
	for i, entry := range pool[:n] {
		preds = append(preds, types.Detection{
			ClassID:    entry.ClassID,
			Confidence: 0.7 + m.rng.Float64()*0.25,
			X:          float64(200 + i*150),
			Y:          float64(200 + i*100),
			Width:      100 + m.rng.Float64()*50,
			Height:     100 + m.rng.Float64()*50,
		})
	}

	return &types.RelayResult{
		Predictions: preds,
		ImageWidth:  640,
		ImageHeight: 480,
		ElapsedTime: 500 * time.Millisecond,
		Simulated:   true,
	}, nil
}
