// ABOUTME: Deterministic random-walk sensor for development without hardware
// ABOUTME: Optionally injects an air-quality spike every N readings

package sensor

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/2389/agent-edge/internal/a2a"
)

// Simulated produces plausible server-room readings.
type Simulated struct {
	mu         sync.Mutex
	rng        *rand.Rand
	spikeEvery int
	count      int
	current    a2a.Reading
	now        func() time.Time
}

// NewSimulated seeds the walk. spikeEvery <= 0 disables spikes.
func NewSimulated(seed uint64, spikeEvery int) *Simulated {
	return &Simulated{
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		spikeEvery: spikeEvery,
		current:    a2a.Reading{Temperature: 24.0, Humidity: 55.0, ECO2: 450, TVOC: 120, AQI: 1},
		now:        time.Now,
	}
}

func (s *Simulated) Read(ctx context.Context) (a2a.Reading, error) {
	if err := ctx.Err(); err != nil {
		return a2a.Reading{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	c := &s.current
	c.Temperature = clamp(c.Temperature+s.step(0.3), 18, 32)
	c.Humidity = clamp(c.Humidity+s.step(1.0), 30, 80)
	c.ECO2 = int(clamp(float64(c.ECO2)+s.step(25), 400, 900))
	c.TVOC = int(clamp(float64(c.TVOC)+s.step(15), 50, 400))
	c.AQI = 1 + (c.ECO2-400)/250

	out := *c
	if s.spikeEvery > 0 && s.count%s.spikeEvery == 0 {
		out.ECO2 = 1200 + s.rng.IntN(400)
		out.TVOC = 550 + s.rng.IntN(200)
		out.AQI = 4
	}
	out.Temperature = math.Round(out.Temperature*10) / 10
	out.Humidity = math.Round(out.Humidity*10) / 10
	out.Timestamp = s.now().UTC()
	return out, nil
}

func (s *Simulated) Close() error { return nil }

// step returns a uniform value in [-scale, scale].
func (s *Simulated) step(scale float64) float64 {
	return (s.rng.Float64()*2 - 1) * scale
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
