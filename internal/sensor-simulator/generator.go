package sensor_simulator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
)

const (
	// gainPerMl: soil moisture points added per ml of water.
	gainPerMl = 0.05

	defaultSeed = 30.0 // %
)

// DataGenerator keeps the simulated soil moisture and evolves it over time.
type DataGenerator struct {
	mu          sync.Mutex
	seeded      bool
	last        time.Time
	moisture    float64 // 0..100
	decayPerMin float64 // points per minute
	rnd         *rand.Rand
	now         func() time.Time
}

// NewDataGenerator builds a generator losing decayPerMin moisture points per minute.
func NewDataGenerator(seed, decayPerMin float64) *DataGenerator {
	if seed <= 0 {
		seed = defaultSeed
	}
	return &DataGenerator{
		moisture:    clamp(seed, 0, 100),
		decayPerMin: math.Max(0, decayPerMin),
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:         time.Now,
	}
}

// Next advances the model to now and returns a sensor payload.
func (g *DataGenerator) Next(deviceID string) model.SensorData {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	g.advance(now)

	moisture := round1(g.moisture)
	temp := round1(18 + 8*math.Sin(float64(now.Hour())/24*2*math.Pi) + g.rnd.Float64())
	hum := round1(clamp(55+g.rnd.NormFloat64()*5, 0, 100))
	light := round1(math.Max(0, 800*math.Sin(float64(now.Hour()-6)/12*math.Pi)))
	return model.SensorData{
		DeviceID:       deviceID,
		SoilMoisture:   &moisture,
		Temperature:    &temp,
		AirHumidity:    &hum,
		LightIntensity: &light,
		Timestamp:      &now,
	}
}

// ApplyWatering adds the effect of amountMl of water.
func (g *DataGenerator) ApplyWatering(amountMl int) {
	if g == nil || amountMl <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance(g.now().UTC())
	g.moisture = clamp(g.moisture+float64(amountMl)*gainPerMl, 0, 100)
}

// Moisture returns the current value without advancing time.
func (g *DataGenerator) Moisture() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.moisture
}

func (g *DataGenerator) advance(now time.Time) {
	if !g.seeded {
		g.last = now
		g.seeded = true
		return
	}
	dtMin := now.Sub(g.last).Minutes()
	if dtMin < 0 {
		dtMin = 0
	}
	g.moisture = clamp(g.moisture-g.decayPerMin*dtMin, 0, 100)
	g.last = now
}

func round1(x float64) float64 { return math.Round(x*10) / 10 }

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
