package services

import (
	"cmp"
	"encoding/json"
	"slices"

	"github.com/rendis/conductor/pkg/schema"
)

// OpQueryInsights is the analytics operation returning scored insights.
const OpQueryInsights = "query_insights"

// Insight is one scored finding returned by the analytics service.
type Insight struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Score       float64        `json:"score"`
	Category    string         `json:"category,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Map returns the insight in the generic form stored in execution results.
func (i Insight) Map() map[string]any {
	m := map[string]any{
		"id":    i.ID,
		"title": i.Title,
		"score": i.Score,
	}
	if i.Category != "" {
		m["category"] = i.Category
	}
	if i.Description != "" {
		m["description"] = i.Description
	}
	if len(i.Metadata) > 0 {
		m["metadata"] = i.Metadata
	}
	return m
}

// DecodeInsights reads the insights list out of an analytics result. It
// accepts either {"insights": [...]} or a bare list.
func DecodeInsights(result any) ([]Insight, error) {
	if result == nil {
		return nil, nil
	}
	if m, ok := result.(map[string]any); ok {
		result = m["insights"]
		if result == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeServiceError, "insights are not JSON").
			WithService(schema.ServiceAnalytics).WithCause(err)
	}
	var out []Insight
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeServiceError, "malformed insights list").
			WithService(schema.ServiceAnalytics).WithCause(err)
	}
	return out, nil
}

// TopInsight returns the highest scored insight. Ties keep the earliest.
func TopInsight(insights []Insight) (Insight, bool) {
	if len(insights) == 0 {
		return Insight{}, false
	}
	return slices.MaxFunc(insights, func(a, b Insight) int {
		return cmp.Compare(a.Score, b.Score)
	}), true
}
