package ranking

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// SettingsPrefix namespaces algorithm settings in the SettingsStore.
const SettingsPrefix = "recommendation."

const settingsCacheKey = "settings:algorithm"

// AlgorithmSettings holds every tunable parameter of the scoring algorithm.
type AlgorithmSettings struct {
	LikeWeight       float64 `json:"likeWeight"`
	CommentWeight    float64 `json:"commentWeight"`
	CollectionWeight float64 `json:"collectionWeight"`
	ViewWeight       float64 `json:"viewWeight"`

	TimeDecayDays  float64 `json:"timeDecayDays"`
	MaxAgeDays     float64 `json:"maxAgeDays"`
	ScoreThreshold float64 `json:"scoreThreshold"`

	NewPostBonus float64 `json:"newPostBonus"`
	ImageBonus   float64 `json:"imageBonus"`
	ContentBonus float64 `json:"contentBonus"`
	TopicBonus   float64 `json:"topicBonus"`

	EngagementFactor    float64 `json:"engagementFactor"`
	MinInteractionScore float64 `json:"minInteractionScore"`

	MaxSameAuthorRatio   float64 `json:"maxSameAuthorRatio"`
	DiversityPeriodHours float64 `json:"diversityPeriodHours"`

	UpdateIntervalHours float64 `json:"updateIntervalHours"`
	MaxAdminRecommended int     `json:"maxAdminRecommended"`
}

// DefaultSettings returns the built-in parameters used for any key the
// store does not provide.
func DefaultSettings() AlgorithmSettings {
	return AlgorithmSettings{
		LikeWeight:           2,
		CommentWeight:        3,
		CollectionWeight:     4,
		ViewWeight:           0.1,
		TimeDecayDays:        10,
		MaxAgeDays:           30,
		ScoreThreshold:       15,
		NewPostBonus:         5,
		ImageBonus:           3,
		ContentBonus:         2,
		TopicBonus:           1,
		EngagementFactor:     0.2,
		MinInteractionScore:  2,
		MaxSameAuthorRatio:   0.3,
		DiversityPeriodHours: 24,
		UpdateIntervalHours:  1,
		MaxAdminRecommended:  5,
	}
}

type settingField struct {
	get func(*AlgorithmSettings) float64
	set func(*AlgorithmSettings, float64)
}

func floatField(f func(*AlgorithmSettings) *float64) settingField {
	return settingField{
		get: func(s *AlgorithmSettings) float64 { return *f(s) },
		set: func(s *AlgorithmSettings, v float64) { *f(s) = v },
	}
}

var settingFields = map[string]settingField{
	"likeWeight":           floatField(func(s *AlgorithmSettings) *float64 { return &s.LikeWeight }),
	"commentWeight":        floatField(func(s *AlgorithmSettings) *float64 { return &s.CommentWeight }),
	"collectionWeight":     floatField(func(s *AlgorithmSettings) *float64 { return &s.CollectionWeight }),
	"viewWeight":           floatField(func(s *AlgorithmSettings) *float64 { return &s.ViewWeight }),
	"timeDecayDays":        floatField(func(s *AlgorithmSettings) *float64 { return &s.TimeDecayDays }),
	"maxAgeDays":           floatField(func(s *AlgorithmSettings) *float64 { return &s.MaxAgeDays }),
	"scoreThreshold":       floatField(func(s *AlgorithmSettings) *float64 { return &s.ScoreThreshold }),
	"newPostBonus":         floatField(func(s *AlgorithmSettings) *float64 { return &s.NewPostBonus }),
	"imageBonus":           floatField(func(s *AlgorithmSettings) *float64 { return &s.ImageBonus }),
	"contentBonus":         floatField(func(s *AlgorithmSettings) *float64 { return &s.ContentBonus }),
	"topicBonus":           floatField(func(s *AlgorithmSettings) *float64 { return &s.TopicBonus }),
	"engagementFactor":     floatField(func(s *AlgorithmSettings) *float64 { return &s.EngagementFactor }),
	"minInteractionScore":  floatField(func(s *AlgorithmSettings) *float64 { return &s.MinInteractionScore }),
	"maxSameAuthorRatio":   floatField(func(s *AlgorithmSettings) *float64 { return &s.MaxSameAuthorRatio }),
	"diversityPeriodHours": floatField(func(s *AlgorithmSettings) *float64 { return &s.DiversityPeriodHours }),
	"updateIntervalHours":  floatField(func(s *AlgorithmSettings) *float64 { return &s.UpdateIntervalHours }),
	"maxAdminRecommended": {
		get: func(s *AlgorithmSettings) float64 { return float64(s.MaxAdminRecommended) },
		set: func(s *AlgorithmSettings, v float64) { s.MaxAdminRecommended = int(v) },
	},
}

// SettingKeys lists the recognised setting names without prefix, sorted.
func SettingKeys() []string {
	keys := make([]string, 0, len(settingFields))
	for k := range settingFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsSettingKey reports whether key (with or without prefix) names a setting.
func IsSettingKey(key string) bool {
	_, ok := settingFields[strings.TrimPrefix(key, SettingsPrefix)]
	return ok
}

// SettingsFromMap merges raw values over the defaults. Keys may carry
// SettingsPrefix. Unknown keys and unparsable values are returned in
// rejected and otherwise ignored, as are NaN and infinite values.
func SettingsFromMap(raw map[string]string) (s AlgorithmSettings, rejected []string) {
	s = DefaultSettings()
	for key, value := range raw {
		name := strings.TrimPrefix(key, SettingsPrefix)
		field, ok := settingFields[name]
		if !ok {
			rejected = append(rejected, key)
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			rejected = append(rejected, key)
			continue
		}
		field.set(&s, v)
	}
	sort.Strings(rejected)
	return s, rejected
}

// Map renders the settings as prefixed store keys.
func (s AlgorithmSettings) Map() map[string]string {
	out := make(map[string]string, len(settingFields))
	for name, field := range settingFields {
		out[SettingsPrefix+name] = strconv.FormatFloat(field.get(&s), 'f', -1, 64)
	}
	return out
}

func (s AlgorithmSettings) maxAge() time.Duration {
	days := s.MaxAgeDays
	if days <= 0 {
		days = DefaultSettings().MaxAgeDays
	}
	return time.Duration(days * float64(24*time.Hour))
}

func (s AlgorithmSettings) updateInterval() time.Duration {
	hours := s.UpdateIntervalHours
	if hours <= 0 {
		hours = DefaultSettings().UpdateIntervalHours
	}
	return time.Duration(hours * float64(time.Hour))
}

func (s AlgorithmSettings) diversityWindow() time.Duration {
	hours := s.DiversityPeriodHours
	if hours <= 0 {
		hours = DefaultSettings().DiversityPeriodHours
	}
	return time.Duration(hours * float64(time.Hour))
}

// SettingsProvider reads AlgorithmSettings through the cache and falls back
// to the SettingsStore on a miss.
type SettingsProvider struct {
	store  SettingsStore
	cache  KeyValueCache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewSettingsProvider creates a provider. A zero ttl defaults to five minutes.
func NewSettingsProvider(store SettingsStore, cache KeyValueCache, ttl time.Duration, logger zerolog.Logger) *SettingsProvider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SettingsProvider{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "settings").Logger(),
	}
}

// GetSettings returns the current settings. Cache failures are logged and
// bypassed; a store failure is returned together with the defaults.
func (p *SettingsProvider) GetSettings(ctx context.Context) (AlgorithmSettings, error) {
	if s, ok := p.cached(ctx); ok {
		return s, nil
	}

	raw, err := p.store.GetAll(ctx, SettingsPrefix)
	if err != nil {
		return DefaultSettings(), fmt.Errorf("load settings: %w", err)
	}

	s, rejected := SettingsFromMap(raw)
	if len(rejected) > 0 {
		p.logger.Warn().Strs("keys", rejected).Msg("ignoring invalid settings")
	}

	if data, err := json.Marshal(s); err == nil {
		if err := p.cache.Set(ctx, settingsCacheKey, data, p.ttl); err != nil {
			p.logger.Warn().Err(err).Msg("cache settings")
		}
	}
	return s, nil
}

func (p *SettingsProvider) cached(ctx context.Context) (AlgorithmSettings, bool) {
	data, err := p.cache.Get(ctx, settingsCacheKey)
	if err != nil {
		p.logger.Warn().Err(err).Msg("read cached settings")
		return AlgorithmSettings{}, false
	}
	if data == nil {
		return AlgorithmSettings{}, false
	}
	var s AlgorithmSettings
	if err := json.Unmarshal(data, &s); err != nil {
		p.logger.Warn().Err(err).Msg("decode cached settings")
		return AlgorithmSettings{}, false
	}
	return s, true
}

// Invalidate drops the cached settings so the next read hits the store.
func (p *SettingsProvider) Invalidate(ctx context.Context) error {
	if err := p.cache.Delete(ctx, settingsCacheKey); err != nil {
		return fmt.Errorf("invalidate settings: %w", err)
	}
	return nil
}
