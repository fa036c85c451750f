package api

import (
	"encoding/json"
	"net/http"
	"time"

	"metrics-pipeline/internal/normalizer"
	"metrics-pipeline/internal/storage"
)

type observationDTO struct {
	Feed      string    `json:"feed"`
	Asset     string    `json:"asset"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Exchange  string    `json:"exchange,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	EntityID  *int64    `json:"entity_id,omitempty"`
}

type observationsResponse struct {
	Count        int              `json:"count"`
	Observations []observationDTO `json:"observations"`
}

type dailyDTO struct {
	Feed     string    `json:"feed"`
	Asset    string    `json:"asset"`
	Metric   string    `json:"metric"`
	Exchange string    `json:"exchange,omitempty"`
	Day      time.Time `json:"day"`
	Value    float64   `json:"value"`
	Count    int       `json:"count"`
}

type rollupResponse struct {
	Count int        `json:"count"`
	Days  []dailyDTO `json:"days"`
}

type pointDTO struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Count     int       `json:"count,omitempty"`
}

type feedSeriesDTO struct {
	SourceID    string     `json:"source_id"`
	Granularity string     `json:"granularity"`
	Points      []pointDTO `json:"points"`
}

type crossSourceDTO struct {
	Entity entityDTO                `json:"entity"`
	Metric string                   `json:"metric"`
	Feeds  map[string]feedSeriesDTO `json:"feeds"`
}

type entityDTO struct {
	CanonicalID string            `json:"canonical_id"`
	Name        string            `json:"name,omitempty"`
	Symbol      string            `json:"symbol,omitempty"`
	Type        string            `json:"type,omitempty"`
	Sector      string            `json:"sector,omitempty"`
	Active      bool              `json:"active"`
	Mappings    map[string]string `json:"mappings,omitempty"`
}

type entitiesResponse struct {
	Count    int         `json:"count"`
	Entities []entityDTO `json:"entities"`
}

type pullDTO struct {
	Feed     string    `json:"feed"`
	PulledAt time.Time `json:"pulled_at"`
	Status   string    `json:"status"`
	Records  int       `json:"records"`
	Notes    string    `json:"notes,omitempty"`
}

type pullsResponse struct {
	Count int       `json:"count"`
	Pulls []pullDTO `json:"pulls"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toObservationDTOs(obs []storage.Observation) []observationDTO {
	out := make([]observationDTO, 0, len(obs))
	for _, o := range obs {
		out = append(out, observationDTO{
			Feed:      o.Feed,
			Asset:     o.Asset,
			Metric:    o.MetricName,
			Value:     o.Value,
			Timestamp: o.Timestamp,
			Exchange:  o.Exchange,
			Domain:    o.Domain,
			EntityID:  o.EntityID,
		})
	}
	return out
}

func toDailyDTOs(days []normalizer.DailyValue) []dailyDTO {
	out := make([]dailyDTO, 0, len(days))
	for _, d := range days {
		out = append(out, dailyDTO{
			Feed:     d.Feed,
			Asset:    d.Asset,
			Metric:   d.MetricName,
			Exchange: d.Exchange,
			Day:      d.Day,
			Value:    d.Value,
			Count:    d.Count,
		})
	}
	return out
}

func toCrossSourceDTO(r normalizer.CrossSourceResult) crossSourceDTO {
	feeds := make(map[string]feedSeriesDTO, len(r.Feeds))
	for feed, fs := range r.Feeds {
		points := make([]pointDTO, 0, len(fs.Points))
		for _, p := range fs.Points {
			points = append(points, pointDTO(p))
		}
		feeds[feed] = feedSeriesDTO{
			SourceID:    fs.SourceID,
			Granularity: string(fs.Granularity),
			Points:      points,
		}
	}
	return crossSourceDTO{
		Entity: toEntityDTO(r.Entity, nil),
		Metric: r.Metric,
		Feeds:  feeds,
	}
}

func toEntityDTO(e storage.Entity, mappings map[string]string) entityDTO {
	return entityDTO{
		CanonicalID: e.CanonicalID,
		Name:        e.Name,
		Symbol:      e.Symbol,
		Type:        e.Type,
		Sector:      e.Sector,
		Active:      e.Active,
		Mappings:    mappings,
	}
}

func toPullDTOs(records []storage.PullRecord) []pullDTO {
	out := make([]pullDTO, 0, len(records))
	for _, rec := range records {
		out = append(out, pullDTO{
			Feed:     rec.Feed,
			PulledAt: rec.PulledAt,
			Status:   string(rec.Status),
			Records:  rec.Records,
			Notes:    rec.Notes,
		})
	}
	return out
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}
