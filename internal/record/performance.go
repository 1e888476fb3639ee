// Package record defines the flat ad-performance row that moves through the
// sync pipeline, and the fixed column set every warehouse backend stores it in.
package record

import (
	"time"

	"adsync/internal/warehouse"
)

// Source is the provenance tag written to the _source column.
const Source = "stackadapt_graphql_api"

// DateLayout is the calendar-date format used on the wire and in text columns.
const DateLayout = "2006-01-02"

// Column names. The order of Schema is the physical column order.
const (
	ColAdID              = "ad_id"
	ColAdName            = "ad_name"
	ColDate              = "date"
	ColCampaignID        = "campaign_id"
	ColCampaignName      = "campaign_name"
	ColCampaignGroupID   = "campaign_group_id"
	ColCampaignGroupName = "campaign_group_name"
	ColGoalType          = "goal_type"
	ColClicks            = "clicks"
	ColClickConversions  = "click_conversions"
	ColEngagements       = "engagements"
	ColVideoStarts       = "video_starts"
	ColVideoQ1Playbacks  = "video_q1_playbacks"
	ColVideoQ2Playbacks  = "video_q2_playbacks"
	ColVideoQ3Playbacks  = "video_q3_playbacks"
	ColVideoCompletions  = "video_completions"
	ColImpressions       = "impressions"
	ColFrequency         = "frequency"
	ColCost              = "cost"
	ColLoadedAt          = "_loaded_at"
	ColSource            = "_source"
)

// Key is the composite identity of a performance record.
var Key = []string{ColAdID, ColDate}

// Performance is one ad's metrics for one calendar day.
//
// Nil pointers are NULL columns. Cost is in cents exactly as the API reports it.
// LoadedAt and Source are zero until the record is staged.
type Performance struct {
	AdID              string
	AdName            *string
	Date              time.Time
	CampaignID        *string
	CampaignName      *string
	CampaignGroupID   *string
	CampaignGroupName *string
	GoalType          *string

	Clicks           *int64
	ClickConversions *int64
	Engagements      *int64
	VideoStarts      *int64
	VideoQ1Playbacks *int64
	VideoQ2Playbacks *int64
	VideoQ3Playbacks *int64
	VideoCompletions *int64
	Impressions      *int64
	Frequency        *float64
	Cost             *float64

	LoadedAt time.Time
	Source   string
}

// Schema returns the staging/destination table schema.
func Schema() warehouse.Schema {
	return warehouse.Schema{
		{Name: ColAdID, Type: warehouse.TypeString, Required: true},
		{Name: ColAdName, Type: warehouse.TypeString},
		{Name: ColDate, Type: warehouse.TypeDate, Required: true},
		{Name: ColCampaignID, Type: warehouse.TypeString},
		{Name: ColCampaignName, Type: warehouse.TypeString},
		{Name: ColCampaignGroupID, Type: warehouse.TypeString},
		{Name: ColCampaignGroupName, Type: warehouse.TypeString},
		{Name: ColGoalType, Type: warehouse.TypeString},
		{Name: ColClicks, Type: warehouse.TypeInt64},
		{Name: ColClickConversions, Type: warehouse.TypeInt64},
		{Name: ColEngagements, Type: warehouse.TypeInt64},
		{Name: ColVideoStarts, Type: warehouse.TypeInt64},
		{Name: ColVideoQ1Playbacks, Type: warehouse.TypeInt64},
		{Name: ColVideoQ2Playbacks, Type: warehouse.TypeInt64},
		{Name: ColVideoQ3Playbacks, Type: warehouse.TypeInt64},
		{Name: ColVideoCompletions, Type: warehouse.TypeInt64},
		{Name: ColImpressions, Type: warehouse.TypeInt64},
		{Name: ColFrequency, Type: warehouse.TypeFloat64},
		{Name: ColCost, Type: warehouse.TypeFloat64},
		{Name: ColLoadedAt, Type: warehouse.TypeTimestamp},
		{Name: ColSource, Type: warehouse.TypeString},
	}
}

// Values returns the record in Schema order. NULL columns are untyped nil so
// every driver sees the same thing.
func (p Performance) Values() []any {
	return []any{
		p.AdID,
		str(p.AdName),
		p.Date,
		str(p.CampaignID),
		str(p.CampaignName),
		str(p.CampaignGroupID),
		str(p.CampaignGroupName),
		str(p.GoalType),
		i64(p.Clicks),
		i64(p.ClickConversions),
		i64(p.Engagements),
		i64(p.VideoStarts),
		i64(p.VideoQ1Playbacks),
		i64(p.VideoQ2Playbacks),
		i64(p.VideoQ3Playbacks),
		i64(p.VideoCompletions),
		i64(p.Impressions),
		f64(p.Frequency),
		f64(p.Cost),
		p.LoadedAt,
		p.Source,
	}
}

// Rows converts records into warehouse rows in Schema order.
func Rows(recs []Performance) [][]any {
	out := make([][]any, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Values())
	}
	return out
}

// Stamp returns copies of recs carrying provenance for a load at loadedAt.
func Stamp(recs []Performance, loadedAt time.Time) []Performance {
	out := make([]Performance, len(recs))
	for i, r := range recs {
		r.LoadedAt = loadedAt.UTC()
		r.Source = Source
		out[i] = r
	}
	return out
}

// Totals are the reporting aggregates logged after a staging load.
type Totals struct {
	CostCents   float64
	Impressions int64
	Clicks      int64
	Conversions int64
}

// CostDollars rescales cents for reporting only.
func (t Totals) CostDollars() float64 { return t.CostCents / 100 }

// Sum aggregates recs, skipping NULL metrics.
func Sum(recs []Performance) Totals {
	var t Totals
	for _, r := range recs {
		if r.Cost != nil {
			t.CostCents += *r.Cost
		}
		if r.Impressions != nil {
			t.Impressions += *r.Impressions
		}
		if r.Clicks != nil {
			t.Clicks += *r.Clicks
		}
		if r.ClickConversions != nil {
			t.Conversions += *r.ClickConversions
		}
	}
	return t
}

func str(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func i64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func f64(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}
