package nodes

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/kotoha-ai/kotoha/internal/graph"
	"github.com/kotoha-ai/kotoha/internal/message"
)

// WeatherNodeName is the registry name of the weather tool node.
const WeatherNodeName = "weather_search"

// DefaultCity is used when no known city appears in the input.
const DefaultCity = "Tokyo"

// knownCities are the cities the weather node can resolve from free text.
var knownCities = []string{
	"Tokyo", "Osaka", "Nagoya", "Fukuoka",
	"Sapporo", "Sendai", "Hiroshima", "Kyoto",
}

// cityMatchThreshold is the minimum Jaro-Winkler similarity for a token to
// count as a city mention.
const cityMatchThreshold = 0.88

// Forecaster produces a forecast text for a city.
type Forecaster interface {
	Forecast(ctx context.Context, city string) (string, error)
}

// ForecastFunc adapts a function to the [Forecaster] interface.
type ForecastFunc func(ctx context.Context, city string) (string, error)

func (f ForecastFunc) Forecast(ctx context.Context, city string) (string, error) {
	return f(ctx, city)
}

// PseudoForecaster is a deterministic offline forecaster. The forecast is a
// pure function of city and date, so repeated queries on the same day agree
// with each other.
type PseudoForecaster struct {
	// Now replaces the wall clock in tests. Nil means time.Now.
	Now func() time.Time
}

var weatherConditions = []string{
	"sunny", "partly cloudy", "cloudy", "light rain", "rain", "clear",
}

// Forecast returns a two-day forecast for city.
func (p *PseudoForecaster) Forecast(_ context.Context, city string) (string, error) {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	day := now.Format("2006-01-02")
	today := pseudoDay(city, day)
	tomorrow := pseudoDay(city, now.Add(24*time.Hour).Format("2006-01-02"))
	return fmt.Sprintf("%s's weather:\nToday: %s\nTomorrow: %s", city, today, tomorrow), nil
}

// pseudoDay derives one day's conditions from a hash of city and date.
func pseudoDay(city, date string) string {
	h := fnv.New32a()
	h.Write([]byte(city + "|" + date))
	sum := h.Sum32()
	cond := weatherConditions[sum%uint32(len(weatherConditions))]
	high := 12 + int(sum>>8%18)
	low := high - 4 - int(sum>>16%6)
	return fmt.Sprintf("%s, high %d°C / low %d°C", cond, high, low)
}

// Weather is the weather lookup tool node.
type Weather struct {
	forecaster Forecaster
}

// NewWeather builds the weather node around the given forecaster.
func NewWeather(f Forecaster) *Weather {
	return &Weather{forecaster: f}
}

// Registration describes the node for the graph registry.
func (w *Weather) Registration() graph.Registration {
	return graph.Registration{
		NodeInfo: graph.NodeInfo{
			Name:         WeatherNodeName,
			Description:  "Looks up the current weather forecast for a city",
			Capabilities: []string{"weather forecast", "city lookup"},
			OutputFields: []string{"forecast"},
		},
		Handler: w.Handle,
	}
}

// Handle resolves the city from the processed input and fetches a forecast.
// Lookup failures do not fail the turn: the error is recorded as a tool
// message and the decision node phrases the situation to the user.
func (w *Weather) Handle(ctx context.Context, st graph.State) (graph.State, error) {
	query := st.ProcessedInput
	if query == "" {
		query = st.InputText
	}
	city := extractCity(query)

	forecast, err := w.forecaster.Forecast(ctx, city)
	if err != nil {
		summary := fmt.Sprintf("weather lookup for %s failed: %v", city, err)
		failure := message.NewTool(WeatherNodeName, WeatherNodeName, summary).
			WithExtra(message.ExtraError, err.Error()).
			WithExtra(message.ExtraSuccess, false)
		st.Messages = append(st.Messages, failure)
		st.Response = summary
		st.NextNode = graph.EntryNode
		st.Success = true
		return st, nil
	}

	result := message.NewTool(WeatherNodeName, WeatherNodeName, forecast).
		WithExtra(message.ExtraSuccess, true)
	st.Messages = append(st.Messages, result)
	st.Response = forecast
	st.NextNode = graph.EntryNode
	st.Success = true
	return st, nil
}

// extractCity finds the known city mentioned in text, tolerating the spelling
// drift of transcribed speech. Defaults to [DefaultCity].
func extractCity(text string) string {
	tokens := strings.Fields(strings.ToLower(text))

	best := ""
	bestScore := 0.0
	for _, city := range knownCities {
		cityLower := strings.ToLower(city)
		for _, tok := range tokens {
			tok = strings.Trim(tok, ".,!?;:\"'()")
			if tok == "" {
				continue
			}
			if s := matchr.JaroWinkler(tok, cityLower, false); s > bestScore {
				best = city
				bestScore = s
			}
		}
	}
	if bestScore >= cityMatchThreshold {
		return best
	}
	return DefaultCity
}
