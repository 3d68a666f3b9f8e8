package starboarder

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// weatherServer serves canned geocode and forecast responses. Queries for
// "Atlantis" find nothing.
type weatherServer struct {
	*httptest.Server
	geocodes     atomic.Int64
	forecastFail atomic.Bool
	userAgents   chan string
}

func newWeatherServer(t testing.TB) *weatherServer {
	t.Helper()
	ws := &weatherServer{userAgents: make(chan string, 100)}
	mux := http.NewServeMux()
	mux.HandleFunc(
		"/search", func(w http.ResponseWriter, r *http.Request) {
			ws.geocodes.Add(1)
			ws.userAgents <- r.UserAgent()
			q := r.URL.Query()
			if q.Get("format") != "json" || q.Get("limit") != "1" {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if strings.EqualFold(q.Get("q"), "atlantis") {
				_, _ = w.Write([]byte(`[]`))
				return
			}
			_ = json.NewEncoder(w).Encode(
				[]map[string]string{
					{"lat": "51.5073", "lon": "-0.1276", "display_name": "London, Greater London, England"},
				},
			)
		},
	)
	mux.HandleFunc(
		"/forecast", func(w http.ResponseWriter, r *http.Request) {
			if ws.forecastFail.Load() {
				http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
				return
			}
			q := r.URL.Query()
			w.Header().Set("Content-Type", "application/json")
			switch {
			case q.Get("current") != "":
				_, _ = w.Write(
					[]byte(`{"current": {
						"temperature_2m": 14.2,
						"apparent_temperature": 12.9,
						"precipitation": 0.4,
						"weather_code": 61,
						"wind_speed_10m": 18.5,
						"wind_direction_10m": 240
					}}`),
				)
			case q.Get("daily") != "":
				_, _ = w.Write([]byte(`{"daily": {"precipitation_probability_max": [72]}}`))
			default:
				_, _ = w.Write([]byte(`{}`))
			}
		},
	)
	ws.Server = httptest.NewServer(mux)
	t.Cleanup(ws.Close)
	return ws
}

func weatherTestConfig(t testing.TB, ws *weatherServer) *Config {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.Weather.GeocodeURL = ws.URL + "/search"
	cfg.Weather.ForecastURL = ws.URL + "/forecast"
	cfg.Weather.GeocodeRatePerSecond = 1000
	cfg.Weather.RequestTimeout = 5 * time.Second
	return cfg
}

func lastEditEmbed(t testing.TB, fake *fakeDiscordSession) *discordgo.MessageEmbed {
	t.Helper()
	edits := fake.interactionEdits()
	require.NotEmpty(t, edits)
	last := edits[len(edits)-1]
	require.NotNil(t, last.Embeds)
	require.Len(t, *last.Embeds, 1)
	return (*last.Embeds)[0]
}

func TestGeocode(t *testing.T) {
	t.Parallel()
	ws := newWeatherServer(t)
	cfg := weatherTestConfig(t, ws)
	g := NewGeocoder(cfg.Weather, ws.Client())
	ctx := context.Background()

	loc, err := g.Geocode(ctx, "London")
	require.NoError(t, err)
	assert.InDelta(t, 51.5073, loc.Latitude, 1e-9)
	assert.InDelta(t, -0.1276, loc.Longitude, 1e-9)
	assert.Equal(t, "London, Greater London, England", loc.DisplayName)
	assert.Equal(t, DefaultWeatherUserAgent, <-ws.userAgents)

	_, err = g.Geocode(ctx, "Atlantis")
	require.ErrorIs(t, err, ErrLocationNotFound)

	_, err = g.Geocode(ctx, "   ")
	require.ErrorIs(t, err, ErrLocationNotFound)
	assert.Equal(t, int64(2), ws.geocodes.Load())
}

func TestForecaster(t *testing.T) {
	t.Parallel()
	ws := newWeatherServer(t)
	cfg := weatherTestConfig(t, ws)
	f := NewForecaster(cfg.Weather, ws.Client())
	ctx := context.Background()
	loc := Location{Latitude: 51.5, Longitude: -0.12}

	current, err := f.Current(ctx, loc)
	require.NoError(t, err)
	assert.InDelta(t, 14.2, current.Temperature, 1e-9)
	assert.Equal(t, 61, current.WeatherCode)
	assert.InDelta(t, 240, current.WindDirection, 1e-9)

	probability, err := f.RainProbability(ctx, loc)
	require.NoError(t, err)
	assert.InDelta(t, 72, probability, 1e-9)

	ws.forecastFail.Store(true)
	_, err = f.Current(ctx, loc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "upstream unavailable")
}

func TestForecasterInvalidData(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"daily": {"precipitation_probability_max": [null]}}`))
			},
		),
	)
	t.Cleanup(srv.Close)
	cfg := DefaultTestConfig(t)
	cfg.Weather.ForecastURL = srv.URL
	f := NewForecaster(cfg.Weather, srv.Client())

	_, err := f.RainProbability(context.Background(), Location{})
	require.Error(t, err)
	_, err = f.Current(context.Background(), Location{})
	require.Error(t, err)
}

func TestDescribeWeather(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Clear sky", describeWeather(0).Description)
	assert.Equal(t, "⛈️", describeWeather(99).Emoji)
	assert.Equal(t, "Unknown conditions", describeWeather(42).Description)
}

func TestMoonPhase(t *testing.T) {
	t.Parallel()

	newMoon := moonPhase(referenceNewMoon)
	assert.InDelta(t, 0, newMoon.Phase, 1e-9)
	assert.InDelta(t, 0, newMoon.Illumination, 1e-9)
	_, name := newMoon.Name()
	assert.Equal(t, "New Moon", name)

	halfCycle := time.Duration(synodicMonth / 2 * 24 * float64(time.Hour))
	full := moonPhase(referenceNewMoon.Add(halfCycle))
	assert.InDelta(t, 0.5, full.Phase, 1e-6)
	assert.InDelta(t, 1, full.Illumination, 1e-6)
	emoji, name := full.Name()
	assert.Equal(t, "🌕", emoji)
	assert.Equal(t, "Full Moon", name)

	// before the reference date
	earlier := moonPhase(referenceNewMoon.Add(-halfCycle / 2))
	assert.InDelta(t, 0.75, earlier.Phase, 1e-6)
	_, name = earlier.Name()
	assert.Equal(t, "Last Quarter", name)

	tests := map[float64]string{
		0.1:  "Waxing Crescent",
		0.25: "First Quarter",
		0.4:  "Waxing Gibbous",
		0.6:  "Waning Gibbous",
		0.9:  "Waning Crescent",
		0.97: "New Moon",
	}
	for phase, want := range tests {
		_, got := MoonPhase{Phase: phase}.Name()
		assert.Equal(t, want, got, "phase %v", phase)
	}
}

func TestSunTimes(t *testing.T) {
	t.Parallel()
	equinox := time.Date(2024, time.March, 20, 12, 0, 0, 0, time.UTC)
	times := sunTimes(Location{Latitude: 0, Longitude: 0}, equinox)

	sixAM := time.Date(2024, time.March, 20, 6, 0, 0, 0, time.UTC)
	sixPM := time.Date(2024, time.March, 20, 18, 0, 0, 0, time.UTC)
	assert.WithinDuration(t, sixAM, times.Sunrise, 30*time.Minute)
	assert.WithinDuration(t, sixPM, times.Sunset, 30*time.Minute)
	assert.True(t, times.GoldenHourEnd.After(times.Sunrise))
	assert.True(t, times.GoldenHourStart.Before(times.Sunset))
	assert.Less(t, math.Abs(times.GoldenHourEnd.Sub(times.Sunrise).Minutes()), 60.0)

	polar := sunTimes(Location{Latitude: 89, Longitude: 0}, time.Date(2024, time.June, 21, 0, 0, 0, 0, time.UTC))
	assert.True(t, polar.Sunrise.IsZero())
	assert.True(t, polar.Sunset.IsZero())
	assert.Equal(t, "The sun doesn't cross the horizon here today.", formatSunTime(polar.Sunrise))
}

func TestFormatSunTime(t *testing.T) {
	t.Parallel()
	ts := time.Unix(1718452800, 0)
	assert.Equal(t, "<t:1718452800:t> (<t:1718452800:R>)", formatSunTime(ts))
}

func TestWeatherCommand(t *testing.T) {
	t.Parallel()
	ws := newWeatherServer(t)
	bot, fake, guild := newTestStarboarder(t, weatherTestConfig(t, ws))

	interact(
		bot, fake, commandInteraction(
			fake, guild.ID, guild.Owner, 0, commandWeather, stringOption("location", "London"),
		),
	)
	responses := fake.interactionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, responses[0].Type)

	embed := lastEditEmbed(t, fake)
	assert.Equal(t, "🌧️ Current Weather in London, Greater London, England", embed.Title)
	assert.Equal(t, "**Slight rain**", embed.Description)
	require.Len(t, embed.Fields, 5)
	assert.Equal(t, "14.2°C", embed.Fields[0].Value)
	assert.Equal(t, "18.5 km/h", embed.Fields[3].Value)
}

func TestWeatherCommandErrors(t *testing.T) {
	t.Parallel()
	ws := newWeatherServer(t)
	bot, fake, guild := newTestStarboarder(t, weatherTestConfig(t, ws))

	// no option and nothing saved
	interact(bot, fake, commandInteraction(fake, guild.ID, guild.Owner, 0, commandWeather))
	assert.Equal(
		t,
		"Please provide a location, e.g. `/weather location:London`, or save one with `/set-location`.",
		fake.lastEditContent(t),
	)

	interact(
		bot, fake, commandInteraction(
			fake, guild.ID, guild.Owner, 0, commandWeather, stringOption("location", "Atlantis"),
		),
	)
	assert.Equal(t, "❌ Location Not Found", lastEditEmbed(t, fake).Title)
	assert.Contains(t, lastEditEmbed(t, fake).Description, "**Atlantis**")

	ws.forecastFail.Store(true)
	interact(
		bot, fake, commandInteraction(
			fake, guild.ID, guild.Owner, 0, commandWeather, stringOption("location", "London"),
		),
	)
	embed := lastEditEmbed(t, fake)
	assert.Equal(t, "❌ Error", embed.Title)
	assert.Equal(t, colorRed, embed.Color)
}

func TestSetLocationThenRainToday(t *testing.T) {
	t.Parallel()
	ws := newWeatherServer(t)
	bot, fake, guild := newTestStarboarder(t, weatherTestConfig(t, ws))

	// set-location works outside a guild
	interact(
		bot, fake, commandInteraction(
			fake, "", guild.Owner, 0, commandSetLocation, stringOption("location", "london"),
		),
	)
	embed := lastEditEmbed(t, fake)
	assert.Equal(t, "✅ Location Set", embed.Title)
	assert.Equal(
		t,
		"London, Greater London, England",
		loadTestDocument(t, bot).UserLocations[guild.Owner.ID],
	)

	interact(bot, fake, commandInteraction(fake, guild.ID, guild.Owner, 0, commandRainToday))
	embed = lastEditEmbed(t, fake)
	assert.Equal(t, "☔ Rain Probability: 72%", embed.Title)
	assert.Equal(t, "**Location:** London, Greater London, England", embed.Description)
	require.Len(t, embed.Fields, 1)
	assert.Equal(t, "51.5073°, -0.1276°", embed.Fields[0].Value)
}

func TestSetLocationNotFound(t *testing.T) {
	t.Parallel()
	ws := newWeatherServer(t)
	bot, fake, guild := newTestStarboarder(t, weatherTestConfig(t, ws))

	interact(
		bot, fake, commandInteraction(
			fake, guild.ID, guild.Owner, 0, commandSetLocation, stringOption("location", "Atlantis"),
		),
	)
	assert.Equal(t, "❌ Location Not Found", lastEditEmbed(t, fake).Title)
	assert.Empty(t, loadTestDocument(t, bot).UserLocations)

	interact(bot, fake, commandInteraction(fake, guild.ID, guild.Owner, 0, commandSetLocation))
	assert.Equal(t, "Usage: `/set-location location:<place>`", fake.lastResponseContent(t))
}

func TestSunCommands(t *testing.T) {
	t.Parallel()
	ws := newWeatherServer(t)
	bot, fake, guild := newTestStarboarder(t, weatherTestConfig(t, ws))

	titles := map[string]string{
		commandSunrise:    "🌄 Sunrise Time",
		commandSunset:     "🌇 Sunset Time",
		commandGoldenHour: "📸 Golden Hour",
	}
	for command, title := range titles {
		interact(
			bot, fake, commandInteraction(
				fake, guild.ID, guild.Owner, 0, command, stringOption("location", "London"),
			),
		)
		embed := lastEditEmbed(t, fake)
		assert.Equal(t, title, embed.Title)
		assert.Contains(t, embed.Description, "**Location:** London, Greater London, England")
		assert.Contains(t, embed.Description, "<t:")
		assert.Equal(t, "Times are shown in your local timezone", embed.Footer.Text)
	}
}

func TestMoonPhaseCommand(t *testing.T) {
	t.Parallel()
	bot, fake, _ := newTestStarboarder(t, nil)

	user := newTestUser(testNow.AddDate(-1, 0, 0), 9, "stargazer")
	interact(bot, fake, commandInteraction(fake, "", user, 0, commandMoonPhase))
	responses := fake.interactionResponses()
	require.Len(t, responses, 1)
	require.Len(t, responses[0].Data.Embeds, 1)
	embed := responses[0].Data.Embeds[0]

	phase := moonPhase(testNow)
	emoji, name := phase.Name()
	assert.Equal(t, emoji+" Current Moon Phase", embed.Title)
	assert.Equal(t, "**"+name+"**", embed.Description)
	assert.True(t, strings.HasSuffix(embed.Fields[0].Value, "%"))
}
