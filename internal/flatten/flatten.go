// Package flatten projects StackAdapt insight responses into flat
// record.Performance rows.
package flatten

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"adsync/internal/record"
	"adsync/internal/stackadapt"
)

// ErrStructural marks a response missing a path every record needs.
var ErrStructural = errors.New("flatten: structural error")

// StructuralError locates the offending edge. Response and Edge are zero-based.
// AdvertiserID is set when the edge still carries one.
type StructuralError struct {
	Response     int
	Edge         int
	AdvertiserID string
	Path         string
	Detail       string
}

func (e *StructuralError) Error() string {
	msg := fmt.Sprintf("flatten: response %d edge %d", e.Response, e.Edge)
	if e.AdvertiserID != "" {
		msg += " (advertiser " + e.AdvertiserID + ")"
	}
	msg += ": " + e.Path
	if e.Detail != "" {
		return msg + ": " + e.Detail
	}
	return msg + ": missing"
}

func (e *StructuralError) Unwrap() error { return ErrStructural }

// Flatten emits one record per edge, in response then edge order. Responses
// without a records path contribute nothing.
func Flatten(responses []*stackadapt.InsightsResponse) ([]record.Performance, error) {
	var out []record.Performance
	for ri, resp := range responses {
		for ei, edge := range edgesOf(resp) {
			rec, err := flattenEdge(edge)
			if err != nil {
				var se *StructuralError
				if errors.As(err, &se) {
					se.Response, se.Edge = ri, ei
					se.AdvertiserID = advertiserID(edge)
				}
				return nil, err
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func edgesOf(resp *stackadapt.InsightsResponse) []stackadapt.InsightEdge {
	if !stackadapt.HasDataRecords(resp) {
		return nil
	}
	return resp.Data.CampaignGroupInsight.Records.Edges
}

func missing(path string) error { return &StructuralError{Path: path} }

func flattenEdge(edge stackadapt.InsightEdge) (record.Performance, error) {
	var rec record.Performance

	if edge.Node == nil {
		return rec, missing("node")
	}
	if edge.Node.Attributes == nil {
		return rec, missing("node.attributes")
	}
	attrs := edge.Node.Attributes

	ad := AdOf(edge)
	if ad == nil {
		return rec, missing("attributes.ad")
	}
	if !ad.ID.Valid {
		return rec, missing("ad.id")
	}
	if !ad.Name.Present {
		return rec, missing("ad.name")
	}
	if !attrs.Date.Valid {
		return rec, missing("date")
	}
	day, err := ParseDate(attrs.Date.Value)
	if err != nil {
		return rec, &StructuralError{Path: "date", Detail: err.Error()}
	}

	campaign := CampaignOf(ad)
	if campaign == nil {
		return rec, missing("ad.campaign")
	}
	if !campaign.ID.Present {
		return rec, missing("ad.campaign.id")
	}
	if !campaign.Name.Present {
		return rec, missing("ad.campaign.name")
	}

	group := CampaignGroupOf(campaign)
	if group == nil {
		return rec, missing("ad.campaign.campaignGroup")
	}
	if !group.ID.Present {
		return rec, missing("ad.campaign.campaignGroup.id")
	}
	if !group.Name.Present {
		return rec, missing("ad.campaign.campaignGroup.name")
	}

	rec.AdID = ad.ID.Value
	rec.AdName = ad.Name.Ptr()
	rec.Date = day
	rec.CampaignID = campaign.ID.Ptr()
	rec.CampaignName = campaign.Name.Ptr()
	rec.CampaignGroupID = group.ID.Ptr()
	rec.CampaignGroupName = group.Name.Ptr()
	rec.GoalType = GoalTypeOf(campaign)

	m := MetricsOf(edge)
	rec.Clicks = intOf(m.Clicks)
	rec.ClickConversions = intOf(m.ClickConversions)
	rec.Engagements = intOf(m.Engagements)
	rec.VideoStarts = intOf(m.VideoStarts)
	rec.VideoQ1Playbacks = intOf(m.VideoQ1Playbacks)
	rec.VideoQ2Playbacks = intOf(m.VideoQ2Playbacks)
	rec.VideoQ3Playbacks = intOf(m.VideoQ3Playbacks)
	rec.VideoCompletions = intOf(m.VideoCompletions)
	rec.Impressions = intOf(m.Impressions)
	rec.Frequency = floatOf(m.Frequency)
	rec.Cost = floatOf(m.Cost)
	return rec, nil
}

// ParseDate accepts YYYY-MM-DD, optionally followed by a time part
// ("2026-03-01T00:00:00Z", "2026-03-01 00:00:00").
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) > len(record.DateLayout) {
		if c := s[len(record.DateLayout)]; c != 'T' && c != ' ' {
			return time.Time{}, fmt.Errorf("invalid date %q", s)
		}
		s = s[:len(record.DateLayout)]
	}
	d, err := time.Parse(record.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return d, nil
}

// AdOf returns the edge's ad, or nil anywhere along the path.
func AdOf(edge stackadapt.InsightEdge) *stackadapt.Ad {
	if edge.Node == nil || edge.Node.Attributes == nil {
		return nil
	}
	return edge.Node.Attributes.Ad
}

func CampaignOf(ad *stackadapt.Ad) *stackadapt.Campaign {
	if ad == nil {
		return nil
	}
	return ad.Campaign
}

func CampaignGroupOf(c *stackadapt.Campaign) *stackadapt.CampaignGroup {
	if c == nil {
		return nil
	}
	return c.CampaignGroup
}

func AdvertiserOf(g *stackadapt.CampaignGroup) *stackadapt.Advertiser {
	if g == nil {
		return nil
	}
	return g.Advertiser
}

func advertiserID(edge stackadapt.InsightEdge) string {
	adv := AdvertiserOf(CampaignGroupOf(CampaignOf(AdOf(edge))))
	if adv == nil || !adv.ID.Valid {
		return ""
	}
	return adv.ID.Value
}

// GoalTypeOf prefers the campaign's own goalType and falls back to the
// first configured campaign goal.
func GoalTypeOf(c *stackadapt.Campaign) *string {
	if c == nil {
		return nil
	}
	if c.GoalType.Valid {
		return c.GoalType.Ptr()
	}
	if c.CampaignGoal == nil || c.CampaignGoal.GoalsConnection == nil {
		return nil
	}
	for _, e := range c.CampaignGoal.GoalsConnection.Edges {
		if e.Node != nil && e.Node.GoalType.Valid {
			return e.Node.GoalType.Ptr()
		}
	}
	return nil
}

// MetricsOf returns the edge's metrics; a missing block reads as all NULL.
func MetricsOf(edge stackadapt.InsightEdge) stackadapt.Metrics {
	if edge.Node == nil || edge.Node.Metrics == nil {
		return stackadapt.Metrics{}
	}
	return *edge.Node.Metrics
}

func intOf(m stackadapt.Metric) *int64 {
	n, ok := m.Int64()
	if !ok {
		return nil
	}
	return &n
}

func floatOf(m stackadapt.Metric) *float64 {
	f, ok := m.Float64()
	if !ok {
		return nil
	}
	return &f
}
