package deal

// ActivityBreakdown summarizes sentiment for one activity variant within an
// analysis.
type ActivityBreakdown struct {
	Sentiment      string   `json:"sentiment"`
	SentimentScore float64  `json:"sentiment_score"`
	KeyIndicators  []string `json:"key_indicators"`
	Count          int      `json:"count"`
}

type MomentumIndicators struct {
	StageProgression      string `json:"stage_progression"`
	ClientEngagementTrend string `json:"client_engagement_trend"`
	CompetitivePosition   string `json:"competitive_position"`
}

// Analysis is the machine-generated sentiment output for one deal, produced
// out of band. It is the object reviewers rate; a deal without one is not yet
// ready for rating.
type Analysis struct {
	DealID                string                       `json:"deal_id"`
	OverallSentiment      string                       `json:"overall_sentiment"`
	SentimentScore        float64                      `json:"sentiment_score"`
	Confidence            float64                      `json:"confidence"`
	ActivityBreakdown     map[string]ActivityBreakdown `json:"activity_breakdown"`
	MomentumIndicators    MomentumIndicators           `json:"deal_momentum_indicators"`
	Reasoning             string                       `json:"reasoning"`
	ProfessionalGaps      []string                     `json:"professional_gaps"`
	ExcellenceIndicators  []string                     `json:"excellence_indicators"`
	RiskIndicators        []string                     `json:"risk_indicators"`
	OpportunityIndicators []string                     `json:"opportunity_indicators"`
	TemporalTrend         string                       `json:"temporal_trend"`
	RecommendedActions    []string                     `json:"recommended_actions"`
	ContextAnalysisNotes  []string                     `json:"context_analysis_notes,omitempty"`
}
