package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

// SeedDemoAgents registers a small fleet of demo agents for development
// environments. Registration is idempotent, so re-seeding is safe.
func (s *Store) SeedDemoAgents(ctx context.Context) error {
	demos := []types.Agent{
		{
			Name:        "DataAnalyst-Alpha",
			Description: "Expert in data analysis, statistics, and visualization",
			Capabilities: types.StringList{
				"data_analysis", "statistical_modeling", "data_visualization",
				"pattern_recognition", "predictive_analytics", "data_cleaning",
			},
			Resources: types.ResourceProfile{"cpu": 0.3, "memory": 0.4, "storage": 0.2},
		},
		{
			Name:        "NLP-Processor-Beta",
			Description: "Expert in natural language processing and text analysis",
			Capabilities: types.StringList{
				"text_analysis", "sentiment_analysis", "entity_extraction",
				"language_translation", "text_summarization", "topic_modeling",
			},
			Resources: types.ResourceProfile{"cpu": 0.4, "memory": 0.6, "gpu": 0.3},
		},
		{
			Name:        "WebScraper-Gamma",
			Description: "Expert in web scraping, data extraction, and web automation",
			Capabilities: types.StringList{
				"web_scraping", "data_extraction", "web_automation",
				"api_integration", "content_parsing", "data_validation",
			},
			Resources: types.ResourceProfile{"cpu": 0.2, "memory": 0.3, "network": 0.8},
		},
		{
			Name:        "ReportGen-Delta",
			Description: "Expert in generating reports, documentation, and presentations",
			Capabilities: types.StringList{
				"report_generation", "document_creation", "data_presentation",
				"template_processing", "chart_creation", "pdf_generation",
			},
			Resources: types.ResourceProfile{"cpu": 0.2, "memory": 0.3, "storage": 0.4},
		},
	}

	for i := range demos {
		if _, err := s.RegisterAgent(ctx, &demos[i]); err != nil {
			return err
		}
	}

	s.logger.Info("demo agents seeded", zap.Int("count", len(demos)))
	return nil
}
