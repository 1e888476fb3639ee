package stackadapt

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Nullable tracks the three states of a JSON object member: absent, null,
// and set. Present is false when the key was missing; Valid is false when it
// was missing or null.
type Nullable[T any] struct {
	Value   T
	Present bool
	Valid   bool
}

func (n *Nullable[T]) UnmarshalJSON(b []byte) error {
	n.Present = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		var zero T
		n.Value, n.Valid = zero, false
		return nil
	}
	if err := json.Unmarshal(b, &n.Value); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

func (n Nullable[T]) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// Ptr returns nil unless the value is set.
func (n Nullable[T]) Ptr() *T {
	if !n.Valid {
		return nil
	}
	v := n.Value
	return &v
}

// Set builds a present, non-null value.
func Set[T any](v T) Nullable[T] { return Nullable[T]{Value: v, Present: true, Valid: true} }

// Null builds a present JSON null.
func Null[T any]() Nullable[T] { return Nullable[T]{Present: true} }

// Metric is a numeric metric value. The API sends numbers, and occasionally
// numeric strings; anything that does not parse as a number is NULL.
type Metric struct {
	raw   string
	Valid bool
}

// MetricOf builds a valid metric from a number literal.
func MetricOf(v float64) Metric {
	return Metric{raw: strconv.FormatFloat(v, 'g', -1, 64), Valid: true}
}

func (m *Metric) UnmarshalJSON(b []byte) error {
	*m = Metric{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		s = strings.TrimSpace(s)
	}
	// Integers keep full int64 precision; everything else is stored in
	// shortest float form so MarshalJSON always writes a JSON number.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		m.raw, m.Valid = strconv.FormatInt(n, 10), true
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	m.raw, m.Valid = strconv.FormatFloat(f, 'g', -1, 64), true
	return nil
}

func (m Metric) MarshalJSON() ([]byte, error) {
	if !m.Valid {
		return []byte("null"), nil
	}
	return []byte(m.raw), nil
}

// Float64 returns the value, or false for NULL.
func (m Metric) Float64() (float64, bool) {
	if !m.Valid {
		return 0, false
	}
	f, err := strconv.ParseFloat(m.raw, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Int64 returns the value for integral metrics. Values with a fractional
// part or outside the int64 range are NULL.
func (m Metric) Int64() (int64, bool) {
	if !m.Valid {
		return 0, false
	}
	if n, err := strconv.ParseInt(m.raw, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(m.raw, 64)
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// GraphQLError is one entry of a GraphQL "errors" array.
type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// GraphQLErrors joins the messages of an "errors" array.
type GraphQLErrors []GraphQLError

func (e GraphQLErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, x := range e {
		msgs = append(msgs, x.Message)
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

// InsightsResponse is the decoded GetAdInsightsByDay response.
type InsightsResponse struct {
	Data   *InsightsData `json:"data"`
	Errors GraphQLErrors `json:"errors,omitempty"`
}

type InsightsData struct {
	CampaignGroupInsight *CampaignGroupInsight `json:"campaignGroupInsight"`
}

type CampaignGroupInsight struct {
	Records *Records `json:"records"`
}

type Records struct {
	Edges []InsightEdge `json:"edges"`
}

type InsightEdge struct {
	Node *InsightNode `json:"node"`
}

type InsightNode struct {
	Attributes *Attributes `json:"attributes"`
	Metrics    *Metrics    `json:"metrics"`
}

type Attributes struct {
	Ad   *Ad              `json:"ad"`
	Date Nullable[string] `json:"date"`
}

type Ad struct {
	ID       Nullable[string] `json:"id"`
	Name     Nullable[string] `json:"name"`
	Campaign *Campaign        `json:"campaign"`
}

type Campaign struct {
	ID            Nullable[string] `json:"id"`
	Name          Nullable[string] `json:"name"`
	GoalType      Nullable[string] `json:"goalType"`
	CampaignGoal  *CampaignGoal    `json:"campaignGoal"`
	CampaignGroup *CampaignGroup   `json:"campaignGroup"`
}

type CampaignGoal struct {
	GoalsConnection *GoalsConnection `json:"goalsConnection"`
}

type GoalsConnection struct {
	Edges []GoalEdge `json:"edges"`
}

type GoalEdge struct {
	Node *Goal `json:"node"`
}

type Goal struct {
	GoalType Nullable[string] `json:"goalType"`
}

type CampaignGroup struct {
	ID         Nullable[string] `json:"id"`
	Name       Nullable[string] `json:"name"`
	Advertiser *Advertiser      `json:"advertiser"`
}

type Advertiser struct {
	ID   Nullable[string] `json:"id"`
	Name Nullable[string] `json:"name"`
}

type Metrics struct {
	Clicks           Metric `json:"clicks"`
	ClickConversions Metric `json:"clickConversions"`
	Engagements      Metric `json:"engagements"`
	VideoStarts      Metric `json:"videoStarts"`
	VideoQ1Playbacks Metric `json:"videoQ1Playbacks"`
	VideoQ2Playbacks Metric `json:"videoQ2Playbacks"`
	VideoQ3Playbacks Metric `json:"videoQ3Playbacks"`
	VideoCompletions Metric `json:"videoCompletions"`
	Impressions      Metric `json:"impressions"`
	Frequency        Metric `json:"frequency"`
	Cost             Metric `json:"cost"`
}

// HasDataRecords reports whether resp carries at least one insight edge.
func HasDataRecords(resp *InsightsResponse) bool {
	if resp == nil || resp.Data == nil || resp.Data.CampaignGroupInsight == nil {
		return false
	}
	rec := resp.Data.CampaignGroupInsight.Records
	return rec != nil && len(rec.Edges) > 0
}
