// Package unified maps provider-native metric names onto canonical metrics and
// resolves conflicting observations into one value per metric per day.
package unified

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownMetric is returned for names that are neither a canonical metric nor a known alias.
	ErrUnknownMetric = errors.New("unknown metric")
	// ErrAliasOverlap is returned when one native name would count toward two canonical metrics.
	ErrAliasOverlap = errors.New("alias belongs to more than one canonical metric")
	// ErrOutOfBounds is returned when a normalized value falls outside its canonical range.
	ErrOutOfBounds = errors.New("value outside canonical bounds")
	// ErrUnknownUnit is returned when a row's unit is missing or has no conversion to the canonical unit.
	ErrUnknownUnit = errors.New("unit has no conversion to canonical unit")
)

// Canonical metric names.
const (
	RecoveryScore   = "Recovery Score"
	Strain          = "Strain"
	HRV             = "HRV"
	RestingHR       = "Resting Heart Rate"
	SleepDuration   = "Sleep Duration"
	SleepScore      = "Sleep Score"
	Steps           = "Steps"
	Calories        = "Calories"
	Weight          = "Weight"
	BodyFat         = "Body Fat"
	WorkoutDuration = "Workout Duration"
	WorkoutCalories = "Workout Calories"
)

// Canonical describes one provider-agnostic metric.
type Canonical struct {
	Name    string
	Unit    string
	Min     float64
	Max     float64
	Aliases []string
}

// DefaultCanonicals is the static alias table. Every native name appears in exactly one group.
var DefaultCanonicals = []Canonical{
	{Name: RecoveryScore, Unit: "%", Min: 0, Max: 100, Aliases: []string{"recovery_score", "whoop_recovery", "readiness", "oura_readiness", "ultrahuman_recovery"}},
	{Name: Strain, Unit: "strain", Min: 0, Max: 21, Aliases: []string{"strain", "whoop_strain", "activity_score"}},
	{Name: HRV, Unit: "ms", Min: 0, Max: 300, Aliases: []string{"hrv", "hrv_rmssd", "whoop_hrv", "oura_hrv"}},
	{Name: RestingHR, Unit: "bpm", Min: 20, Max: 250, Aliases: []string{"resting_hr", "resting_heart_rate", "whoop_rhr"}},
	{Name: SleepDuration, Unit: "h", Min: 0, Max: 24, Aliases: []string{"sleep_duration", "sleep_hours", "total_sleep"}},
	{Name: SleepScore, Unit: "%", Min: 0, Max: 100, Aliases: []string{"sleep_score", "sleep_performance", "oura_sleep_score"}},
	{Name: Steps, Unit: "steps", Min: 0, Max: 200000, Aliases: []string{"steps", "step_count", "daily_steps"}},
	{Name: Calories, Unit: "kcal", Min: 0, Max: 20000, Aliases: []string{"calories", "total_burned_calories", "daily_calories"}},
	{Name: Weight, Unit: "kg", Min: 1, Max: 500, Aliases: []string{"weight", "weight_kg", "body_weight"}},
	{Name: BodyFat, Unit: "%", Min: 1, Max: 75, Aliases: []string{"body_fat", "body_fat_percentage", "bodyfat"}},
	{Name: WorkoutDuration, Unit: "min", Min: 0, Max: 1440, Aliases: []string{"workout", "workout_minutes"}},
	{Name: WorkoutCalories, Unit: "kcal", Min: 0, Max: 10000, Aliases: []string{"workout_calories"}},
}

// Catalog indexes canonical metrics by name and alias.
type Catalog struct {
	canonicals []Canonical
	byName     map[string]int
	byAlias    map[string]int
}

// NewCatalog builds a Catalog, rejecting duplicate canonical names and overlapping alias sets.
func NewCatalog(canonicals []Canonical) (*Catalog, error) {
	c := &Catalog{
		canonicals: make([]Canonical, len(canonicals)),
		byName:     make(map[string]int, len(canonicals)),
		byAlias:    make(map[string]int),
	}
	copy(c.canonicals, canonicals)

	var errs []error
	for i, canonical := range c.canonicals {
		key := nameKey(canonical.Name)
		if _, dup := c.byName[key]; dup {
			errs = append(errs, fmt.Errorf("duplicate canonical metric %q", canonical.Name))
			continue
		}
		c.byName[key] = i
		for _, alias := range canonical.Aliases {
			if owner, taken := c.byAlias[alias]; taken && owner != i {
				errs = append(errs, fmt.Errorf("%w: %q in %q and %q", ErrAliasOverlap, alias, c.canonicals[owner].Name, canonical.Name))
				continue
			}
			c.byAlias[alias] = i
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// MustDefaultCatalog returns the catalog built from DefaultCanonicals.
func MustDefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultCanonicals)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup finds a canonical metric by display name (case-insensitive, spaces or underscores).
func (c *Catalog) Lookup(name string) (Canonical, bool) {
	i, ok := c.byName[nameKey(name)]
	if !ok {
		return Canonical{}, false
	}
	return c.canonicals[i], true
}

// CanonicalFor returns the canonical metric a native name belongs to.
func (c *Catalog) CanonicalFor(native string) (Canonical, bool) {
	i, ok := c.byAlias[native]
	if !ok {
		return Canonical{}, false
	}
	return c.canonicals[i], true
}

// Names returns every canonical metric name in table order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.canonicals))
	for _, canonical := range c.canonicals {
		names = append(names, canonical.Name)
	}
	return names
}

// Expansion is the result of alias expansion for one query.
type Expansion struct {
	// Natives lists every native name to query, sorted.
	Natives []string
	// Reverse maps each native name back to the single canonical metric it satisfies.
	Reverse map[string]string
}

// ExpandAliases expands requested canonical metrics into their native names.
func (c *Catalog) ExpandAliases(requested []string) (Expansion, error) {
	exp := Expansion{Reverse: make(map[string]string)}
	seen := make(map[string]bool, len(requested))
	for _, name := range requested {
		canonical, ok := c.Lookup(name)
		if !ok {
			return Expansion{}, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
		}
		if seen[canonical.Name] {
			continue
		}
		seen[canonical.Name] = true
		for _, alias := range canonical.Aliases {
			if owner, taken := exp.Reverse[alias]; taken && owner != canonical.Name {
				return Expansion{}, fmt.Errorf("%w: %q in %q and %q", ErrAliasOverlap, alias, owner, canonical.Name)
			}
			exp.Reverse[alias] = canonical.Name
		}
	}
	for native := range exp.Reverse {
		exp.Natives = append(exp.Natives, native)
	}
	sort.Strings(exp.Natives)
	return exp, nil
}

func nameKey(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", " "))
}
