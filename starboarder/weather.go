package starboarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/nathan-osman/go-sunrise"
	"golang.org/x/time/rate"
)

const (
	colorBlue      = 0x0099FF
	colorLightGrey = 0xCCCCCC

	// synodicMonth is the mean length of a lunar cycle, in days
	synodicMonth = 29.530588853

	// goldenHourElevation is the sun elevation, in degrees, at which
	// golden hour starts or ends
	goldenHourElevation = 6.0

	maxErrorBodyBytes = 512
)

// referenceNewMoon is a known new moon, used as the epoch for moon phases
var referenceNewMoon = time.Date(2000, time.January, 6, 18, 14, 0, 0, time.UTC)

var (
	ErrLocationNotFound = errors.New("location not found")
	ErrNoLocation       = errors.New("no location given and no saved location")
)

// Location is a geocoded place
type Location struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	DisplayName string  `json:"display_name"`
}

func (l Location) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Float64("latitude", l.Latitude),
		slog.Float64("longitude", l.Longitude),
		slog.String("display_name", l.DisplayName),
	)
}

// Geocoder resolves place names to coordinates with a Nominatim-compatible
// search endpoint. Requests are rate limited, as required by the public
// Nominatim usage policy.
type Geocoder struct {
	endpoint  string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
	timeout   time.Duration
}

func NewGeocoder(config *WeatherConfig, client *http.Client) *Geocoder {
	if client == nil {
		client = http.DefaultClient
	}
	perSecond := config.GeocodeRatePerSecond
	if perSecond <= 0 {
		perSecond = DefaultGeocodeRatePerSecond
	}
	return &Geocoder{
		endpoint:  config.GeocodeURL,
		userAgent: config.UserAgent,
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), 1),
		timeout:   config.RequestTimeout,
	}
}

type nominatimResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Geocode returns the best match for the query, or [ErrLocationNotFound]
func (g *Geocoder) Geocode(ctx context.Context, query string) (Location, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Location{}, ErrLocationNotFound
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return Location{}, err
	}

	u, err := url.Parse(g.endpoint)
	if err != nil {
		return Location{}, fmt.Errorf("invalid geocode URL: %w", err)
	}
	q := u.Query()
	q.Set("format", "json")
	q.Set("q", query)
	q.Set("limit", "1")
	u.RawQuery = q.Encode()

	var results []nominatimResult
	if err = getJSON(ctx, g.client, g.timeout, u.String(), g.userAgent, &results); err != nil {
		return Location{}, err
	}
	if len(results) == 0 {
		return Location{}, ErrLocationNotFound
	}
	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return Location{}, fmt.Errorf("invalid latitude %q: %w", results[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return Location{}, fmt.Errorf("invalid longitude %q: %w", results[0].Lon, err)
	}
	return Location{Latitude: lat, Longitude: lon, DisplayName: results[0].DisplayName}, nil
}

// Forecaster fetches conditions from an Open-Meteo compatible forecast
// endpoint
type Forecaster struct {
	endpoint  string
	userAgent string
	client    *http.Client
	timeout   time.Duration
}

func NewForecaster(config *WeatherConfig, client *http.Client) *Forecaster {
	if client == nil {
		client = http.DefaultClient
	}
	return &Forecaster{
		endpoint:  config.ForecastURL,
		userAgent: config.UserAgent,
		client:    client,
		timeout:   config.RequestTimeout,
	}
}

// CurrentWeather is the current conditions at a location
type CurrentWeather struct {
	Temperature         float64 `json:"temperature_2m"`
	ApparentTemperature float64 `json:"apparent_temperature"`
	Precipitation       float64 `json:"precipitation"`
	WeatherCode         int     `json:"weather_code"`
	WindSpeed           float64 `json:"wind_speed_10m"`
	WindDirection       float64 `json:"wind_direction_10m"`
}

type forecastResponse struct {
	Current *CurrentWeather `json:"current"`
	Daily   *struct {
		PrecipitationProbabilityMax []*float64 `json:"precipitation_probability_max"`
	} `json:"daily"`
}

func (f *Forecaster) url(loc Location, params map[string]string) (string, error) {
	u, err := url.Parse(f.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid forecast URL: %w", err)
	}
	q := u.Query()
	q.Set("latitude", strconv.FormatFloat(loc.Latitude, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(loc.Longitude, 'f', 4, 64))
	q.Set("timezone", "auto")
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Current returns the current conditions at the location
func (f *Forecaster) Current(ctx context.Context, loc Location) (CurrentWeather, error) {
	u, err := f.url(
		loc, map[string]string{
			"current":            "temperature_2m,apparent_temperature,precipitation,weather_code,wind_speed_10m,wind_direction_10m",
			"temperature_unit":   "celsius",
			"wind_speed_unit":    "kmh",
			"precipitation_unit": "mm",
		},
	)
	if err != nil {
		return CurrentWeather{}, err
	}
	var resp forecastResponse
	if err = getJSON(ctx, f.client, f.timeout, u, f.userAgent, &resp); err != nil {
		return CurrentWeather{}, err
	}
	if resp.Current == nil {
		return CurrentWeather{}, errors.New("invalid weather data received from API")
	}
	return *resp.Current, nil
}

// RainProbability returns today's maximum precipitation probability, as a
// percentage
func (f *Forecaster) RainProbability(ctx context.Context, loc Location) (float64, error) {
	u, err := f.url(loc, map[string]string{"daily": "precipitation_probability_max", "forecast_days": "1"})
	if err != nil {
		return 0, err
	}
	var resp forecastResponse
	if err = getJSON(ctx, f.client, f.timeout, u, f.userAgent, &resp); err != nil {
		return 0, err
	}
	if resp.Daily == nil ||
		len(resp.Daily.PrecipitationProbabilityMax) == 0 ||
		resp.Daily.PrecipitationProbabilityMax[0] == nil {
		return 0, errors.New("invalid weather data received from API")
	}
	return *resp.Daily.PrecipitationProbabilityMax[0], nil
}

// getJSON performs a GET request and decodes the JSON response into v
func getJSON(
	ctx context.Context,
	client *http.Client,
	timeout time.Duration,
	target string,
	userAgent string,
	v any,
) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err = json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

// weatherCondition describes a WMO weather interpretation code
type weatherCondition struct {
	Emoji       string
	Description string
}

var weatherConditions = map[int]weatherCondition{
	0:  {"☀️", "Clear sky"},
	1:  {"🌤️", "Mainly clear"},
	2:  {"⛅", "Partly cloudy"},
	3:  {"☁️", "Overcast"},
	45: {"🌫️", "Fog"},
	48: {"🌫️", "Depositing rime fog"},
	51: {"💧", "Light drizzle"},
	53: {"💧", "Moderate drizzle"},
	55: {"💧", "Dense drizzle"},
	56: {"❄️💧", "Light freezing drizzle"},
	57: {"❄️💧", "Dense freezing drizzle"},
	61: {"🌧️", "Slight rain"},
	63: {"🌧️", "Moderate rain"},
	65: {"🌧️", "Heavy rain"},
	66: {"❄️🌧️", "Light freezing rain"},
	67: {"❄️🌧️", "Heavy freezing rain"},
	71: {"🌨️", "Slight snow fall"},
	73: {"🌨️", "Moderate snow fall"},
	75: {"🌨️", "Heavy snow fall"},
	77: {"❄️", "Snow grains"},
	80: {"🌦️", "Slight rain showers"},
	81: {"🌦️", "Moderate rain showers"},
	82: {"🌦️", "Violent rain showers"},
	85: {"🌨️", "Slight snow showers"},
	86: {"🌨️", "Heavy snow showers"},
	95: {"⛈️", "Thunderstorm"},
	96: {"⛈️", "Thunderstorm with slight hail"},
	99: {"⛈️", "Thunderstorm with heavy hail"},
}

func describeWeather(code int) weatherCondition {
	if c, ok := weatherConditions[code]; ok {
		return c
	}
	return weatherCondition{Emoji: "❓", Description: "Unknown conditions"}
}

// SunTimes are the sunrise and sunset for a day. Both are zero during
// polar day or night.
type SunTimes struct {
	Sunrise time.Time
	Sunset  time.Time

	// GoldenHourEnd is the end of the morning golden hour
	GoldenHourEnd time.Time

	// GoldenHourStart is the start of the evening golden hour
	GoldenHourStart time.Time
}

// sunTimes computes the sun times for the UTC date of day at the location
func sunTimes(loc Location, day time.Time) SunTimes {
	day = day.UTC()
	rise, set := sunrise.SunriseSunset(loc.Latitude, loc.Longitude, day.Year(), day.Month(), day.Day())
	morning, evening := sunrise.TimeOfElevation(
		loc.Latitude,
		loc.Longitude,
		goldenHourElevation,
		day.Year(),
		day.Month(),
		day.Day(),
	)
	return SunTimes{Sunrise: rise, Sunset: set, GoldenHourEnd: morning, GoldenHourStart: evening}
}

// MoonPhase is the phase of the moon at a point in time
type MoonPhase struct {
	// Phase is the position in the lunar cycle, from 0 (new) through
	// 0.5 (full) to 1
	Phase float64

	// Illumination is the illuminated fraction of the disc, from 0 to 1
	Illumination float64
}

// moonPhase computes the moon phase at t from the mean synodic month
func moonPhase(t time.Time) MoonPhase {
	days := t.Sub(referenceNewMoon).Hours() / 24
	phase := math.Mod(days/synodicMonth, 1)
	if phase < 0 {
		phase++
	}
	return MoonPhase{
		Phase:        phase,
		Illumination: (1 - math.Cos(2*math.Pi*phase)) / 2,
	}
}

// Name returns the name of the phase, with its emoji
func (m MoonPhase) Name() (emoji string, name string) {
	p := m.Phase
	switch {
	case p < 0.06 || p > 0.94:
		return "🌑", "New Moon"
	case p < 0.18:
		return "🌒", "Waxing Crescent"
	case p < 0.31:
		return "🌓", "First Quarter"
	case p < 0.44:
		return "🌔", "Waxing Gibbous"
	case p < 0.56:
		return "🌕", "Full Moon"
	case p < 0.69:
		return "🌖", "Waning Gibbous"
	case p < 0.82:
		return "🌗", "Last Quarter"
	default:
		return "🌘", "Waning Crescent"
	}
}

// discordTimestamp formats t as a discord timestamp, which renders in the
// viewer's own timezone. style is one of t, T, d, D, f, F or R.
func discordTimestamp(t time.Time, style string) string {
	return fmt.Sprintf("<t:%d:%s>", t.Unix(), style)
}

func errorEmbed(title string, description string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       colorRed,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

func locationNotFoundEmbed(query string) *discordgo.MessageEmbed {
	return errorEmbed(
		"❌ Location Not Found",
		fmt.Sprintf(
			"Could not find location: **%s**\n\nPlease try with a more specific location "+
				"(e.g., \"New York, NY\", \"London, UK\", \"Tokyo, Japan\").",
			query,
		),
	)
}

// resolveLocation returns the location for a command, from its 'location'
// option or the user's saved location
func (s *Starboarder) resolveLocation(ctx context.Context, h InteractionHandler) (Location, string, error) {
	i := h.GetInteraction()
	query := optionString(commandOptions(i.ApplicationCommandData().Options), "location")
	if query == "" {
		if u := interactionUser(i.Interaction); u != nil {
			doc, err := s.store.Load(ctx)
			if err != nil {
				return Location{}, "", err
			}
			query = doc.UserLocations[u.ID]
		}
	}
	if query == "" {
		return Location{}, "", ErrNoLocation
	}
	loc, err := s.geocoder.Geocode(ctx, query)
	return loc, query, err
}

// lookupLocation defers the response and resolves the command's location,
// replying with the appropriate error when it can't
func (s *Starboarder) lookupLocation(
	ctx context.Context,
	h InteractionHandler,
	command string,
) (Location, bool) {
	if err := deferPublic(ctx, h); err != nil {
		return Location{}, false
	}
	loc, query, err := s.resolveLocation(ctx, h)
	switch {
	case errors.Is(err, ErrNoLocation):
		editResponse(
			ctx,
			h,
			fmt.Sprintf(
				"Please provide a location, e.g. `/%s location:London`, or save one with `/set-location`.",
				command,
			),
		)
		return Location{}, false
	case errors.Is(err, ErrLocationNotFound):
		editResponseEmbeds(ctx, h, "", locationNotFoundEmbed(query))
		return Location{}, false
	case err != nil:
		h.Logger().ErrorContext(ctx, "error geocoding location", "query", query, tint.Err(err))
		editResponseEmbeds(
			ctx,
			h,
			"",
			errorEmbed("❌ Error", "An error occurred while looking up that location. Please try again later."),
		)
		return Location{}, false
	}
	h.Logger().DebugContext(ctx, "resolved location", "location", loc)
	return loc, true
}

func (s *Starboarder) handleWeatherCommand(ctx context.Context, h InteractionHandler) {
	loc, ok := s.lookupLocation(ctx, h, "weather")
	if !ok {
		return
	}
	current, err := s.forecaster.Current(ctx, loc)
	if err != nil {
		h.Logger().ErrorContext(ctx, "error fetching weather", tint.Err(err))
		editResponseEmbeds(
			ctx,
			h,
			"",
			errorEmbed("❌ Error", "An error occurred while fetching weather data. Please try again later."),
		)
		return
	}
	cond := describeWeather(current.WeatherCode)
	editResponseEmbeds(
		ctx,
		h,
		"",
		&discordgo.MessageEmbed{
			Title:       truncate(fmt.Sprintf("%s Current Weather in %s", cond.Emoji, loc.DisplayName), 256),
			Description: "**" + cond.Description + "**",
			Color:       colorBlue,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Temperature", Value: formatFloat(current.Temperature) + "°C", Inline: true},
				{Name: "Feels Like", Value: formatFloat(current.ApparentTemperature) + "°C", Inline: true},
				{Name: "Precipitation", Value: formatFloat(current.Precipitation) + " mm", Inline: true},
				{Name: "Wind Speed", Value: formatFloat(current.WindSpeed) + " km/h", Inline: true},
				{Name: "Wind Direction", Value: formatFloat(current.WindDirection) + "°", Inline: true},
			},
			Footer:    &discordgo.MessageEmbedFooter{Text: "Powered by Open-Meteo"},
			Timestamp: s.now().UTC().Format(time.RFC3339),
		},
	)
}

func (s *Starboarder) handleRainTodayCommand(ctx context.Context, h InteractionHandler) {
	loc, ok := s.lookupLocation(ctx, h, "raintoday")
	if !ok {
		return
	}
	probability, err := s.forecaster.RainProbability(ctx, loc)
	if err != nil {
		h.Logger().ErrorContext(ctx, "error fetching rain probability", tint.Err(err))
		editResponseEmbeds(
			ctx,
			h,
			"",
			errorEmbed("❌ Error", "An error occurred while fetching rain probability data. Please try again later."),
		)
		return
	}
	editResponseEmbeds(
		ctx,
		h,
		"",
		&discordgo.MessageEmbed{
			Title:       fmt.Sprintf("☔ Rain Probability: %s%%", formatFloat(probability)),
			Description: "**Location:** " + loc.DisplayName,
			Color:       colorBlue,
			Fields:      []*discordgo.MessageEmbedField{coordinatesField(loc)},
			Footer:      &discordgo.MessageEmbedFooter{Text: "Powered by Open-Meteo"},
			Timestamp:   s.now().UTC().Format(time.RFC3339),
		},
	)
}

// handleSunCommand handles /sunrise, /sunset and /goldenhour
func (s *Starboarder) handleSunCommand(ctx context.Context, h InteractionHandler, command string) {
	loc, ok := s.lookupLocation(ctx, h, command)
	if !ok {
		return
	}
	now := s.now()
	times := sunTimes(loc, now)

	var embed *discordgo.MessageEmbed
	switch command {
	case commandSunset:
		embed = &discordgo.MessageEmbed{
			Title:       "🌇 Sunset Time",
			Description: sunDescription(loc, "Sunset", times.Sunset),
			Color:       colorOrange,
		}
	case commandGoldenHour:
		embed = &discordgo.MessageEmbed{
			Title: "📸 Golden Hour",
			Description: fmt.Sprintf(
				"**Location:** %s\n**Morning golden hour ends:** %s\n**Evening golden hour starts:** %s",
				loc.DisplayName,
				formatSunTime(times.GoldenHourEnd),
				formatSunTime(times.GoldenHourStart),
			),
			Color: colorGold,
		}
	default:
		embed = &discordgo.MessageEmbed{
			Title:       "🌄 Sunrise Time",
			Description: sunDescription(loc, "Sunrise", times.Sunrise),
			Color:       colorGold,
		}
	}
	embed.Fields = []*discordgo.MessageEmbedField{coordinatesField(loc)}
	embed.Footer = &discordgo.MessageEmbedFooter{Text: "Times are shown in your local timezone"}
	embed.Timestamp = now.UTC().Format(time.RFC3339)
	editResponseEmbeds(ctx, h, "", embed)
}

func sunDescription(loc Location, label string, t time.Time) string {
	return fmt.Sprintf("**Location:** %s\n**%s:** %s", loc.DisplayName, label, formatSunTime(t))
}

func formatSunTime(t time.Time) string {
	if t.IsZero() {
		return "The sun doesn't cross the horizon here today."
	}
	return discordTimestamp(t, "t") + " (" + discordTimestamp(t, "R") + ")"
}

func coordinatesField(loc Location) *discordgo.MessageEmbedField {
	return &discordgo.MessageEmbedField{
		Name:   "Coordinates",
		Value:  fmt.Sprintf("%.4f°, %.4f°", loc.Latitude, loc.Longitude),
		Inline: true,
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (s *Starboarder) handleMoonPhaseCommand(ctx context.Context, h InteractionHandler) {
	now := s.now()
	phase := moonPhase(now)
	emoji, name := phase.Name()
	_ = h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{
					{
						Title:       emoji + " Current Moon Phase",
						Description: "**" + name + "**",
						Color:       colorLightGrey,
						Fields: []*discordgo.MessageEmbedField{
							{
								Name:   "Illumination",
								Value:  fmt.Sprintf("%.2f%%", phase.Illumination*100),
								Inline: true,
							},
						},
						Timestamp: now.UTC().Format(time.RFC3339),
					},
				},
			},
		},
	)
}

func (s *Starboarder) handleSetLocationCommand(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	user := interactionUser(i.Interaction)
	query := optionString(commandOptions(i.ApplicationCommandData().Options), "location")
	if user == nil || query == "" {
		_ = respondEphemeral(ctx, h, "Usage: `/set-location location:<place>`")
		return
	}
	if err := deferEphemeral(ctx, h); err != nil {
		return
	}
	loc, err := s.geocoder.Geocode(ctx, query)
	switch {
	case errors.Is(err, ErrLocationNotFound):
		editResponseEmbeds(
			ctx,
			h,
			"",
			errorEmbed(
				"❌ Location Not Found",
				fmt.Sprintf(
					"Could not validate location: **%s**\n\nPlease try with a more specific location "+
						"(e.g., \"New York, NY\", \"London, UK\").",
					query,
				),
			),
		)
		return
	case err != nil:
		h.Logger().ErrorContext(ctx, "error geocoding location", tint.Err(err))
		editResponseEmbeds(ctx, h, "", errorEmbed("❌ Error", "An error occurred while saving your location."))
		return
	}
	if _, err = updateDocument(
		ctx, s.store, func(doc *Document) error {
			doc.UserLocations[user.ID] = loc.DisplayName
			return nil
		},
	); err != nil {
		h.Logger().ErrorContext(ctx, "error saving location", tint.Err(err))
		editResponseEmbeds(ctx, h, "", errorEmbed("❌ Error", "An error occurred while saving your location."))
		return
	}
	editResponseEmbeds(
		ctx,
		h,
		"",
		&discordgo.MessageEmbed{
			Title:       "✅ Location Set",
			Description: fmt.Sprintf("Your default location has been set to **%s**.", loc.DisplayName),
			Color:       colorGreen,
		},
	)
}
