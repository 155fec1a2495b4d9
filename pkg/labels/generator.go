package labels

import (
	"math"
	"sort"
	"time"

	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/config"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/models"
)

// episode is one contiguous course of anti-infective administration:
// startHour is the hour index of the first dose, clearHour the first hour the
// encounter counts as antibiotic-free again (last dose plus the reset
// interval).
type episode struct {
	startHour int
	clearHour int
}

// Generator assigns the binary initiation label. Hours inside the
// pre-initiation window of width W before a dose are positive; hours from the
// dose until the reset interval has elapsed are dropped as out-of-distribution
// ("already on antibiotics"); everything else is negative.
type Generator struct {
	windowHours int
	resetHours  int
	classes     map[string]bool
}

func NewGenerator(cfg *config.Config) *Generator {
	classes := make(map[string]bool, len(cfg.AntiinfectiveClasses))
	for _, class := range cfg.AntiinfectiveClasses {
		classes[class] = true
	}
	return &Generator{
		windowHours: cfg.PositiveWindowHours,
		resetHours:  cfg.EpisodeResetHours,
		classes:     classes,
	}
}

// Label pairs each feature vector with its label, or drops it with a reasoned
// exclusion when it falls inside an administration episode. Vectors arrive in
// hour order and leave in hour order.
func (g *Generator) Label(enc models.Encounter, vectors []models.HourlyFeatureVector, medications []models.MedicationEvent) ([]models.LabeledSample, []models.Exclusion) {
	episodes := g.episodes(enc, medications)

	samples := make([]models.LabeledSample, 0, len(vectors))
	var exclusions []models.Exclusion
	for _, vector := range vectors {
		if inEpisode(episodes, vector.Hour) {
			exclusions = append(exclusions,
				models.HourExclusion(enc.ID, vector.Hour, models.ReasonAfterAdministration))
			continue
		}
		label := 0
		for _, ep := range episodes {
			if vector.Hour >= ep.startHour-g.windowHours && vector.Hour < ep.startHour {
				label = 1
				break
			}
		}
		samples = append(samples, models.LabeledSample{
			HourlyFeatureVector: vector,
			Label:               label,
		})
	}
	return samples, exclusions
}

// episodes groups the encounter's anti-infective doses into administration
// episodes. A gap of at least the reset interval between consecutive doses
// starts a new episode; shorter gaps extend the current one.
func (g *Generator) episodes(enc models.Encounter, medications []models.MedicationEvent) []episode {
	var doses []time.Time
	for _, event := range medications {
		if event.EncounterID == enc.ID && g.classes[event.DrugClass] && !event.Time.IsZero() {
			doses = append(doses, event.Time)
		}
	}
	if len(doses) == 0 {
		return nil
	}
	sort.Slice(doses, func(i, j int) bool { return doses[i].Before(doses[j]) })

	reset := time.Duration(g.resetHours) * time.Hour
	var episodes []episode
	first, last := doses[0], doses[0]
	for _, dose := range doses[1:] {
		if dose.Sub(last) >= reset {
			episodes = append(episodes, g.toEpisode(enc, first, last))
			first = dose
		}
		last = dose
	}
	return append(episodes, g.toEpisode(enc, first, last))
}

func (g *Generator) toEpisode(enc models.Encounter, first, last time.Time) episode {
	startHour := int(math.Floor(first.Sub(enc.AdmittedAt).Hours()))
	clearHour := int(math.Ceil(last.Sub(enc.AdmittedAt).Hours())) + g.resetHours
	return episode{startHour: startHour, clearHour: clearHour}
}

func inEpisode(episodes []episode, hour int) bool {
	for _, ep := range episodes {
		if hour >= ep.startHour && hour < ep.clearHour {
			return true
		}
	}
	return false
}
