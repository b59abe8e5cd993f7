package ragtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vango-go/vai-voicerag/pkg/gateway/search"
	"github.com/vango-go/vai-voicerag/pkg/gateway/tools"
)

const (
	ToolSearch          = "search"
	ToolReportGrounding = "report_grounding"
)

// Passage is one search hit as returned to the model.
type Passage struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type SearchOutput struct {
	Passages []Passage `json:"passages"`
	Text     string    `json:"text"`
}

type GroundingOutput struct {
	Accepted []string `json:"accepted"`
}

// Definitions returns the built-in knowledge base tools in advertised order.
func Definitions(searcher search.Searcher, topK int) []tools.Definition {
	return []tools.Definition{
		SearchTool(searcher, topK),
		ReportGroundingTool(),
	}
}

func SearchTool(searcher search.Searcher, topK int) tools.Definition {
	if topK <= 0 {
		topK = search.DefaultTopK
	}
	noExtra := false
	return tools.Definition{
		Name: ToolSearch,
		Description: "Search the knowledge base. The knowledge base is in English, translate to and formulate the search query in English if needed. " +
			"Results are formatted as a source id in square brackets, followed by the text content, and a line with '-----' at the end of each result.",
		Parameters: tools.Schema{
			Type: "object",
			Properties: map[string]tools.Schema{
				"query": {Type: "string", Description: "Search query"},
			},
			Required:             []string{"query"},
			AdditionalProperties: &noExtra,
		},
		TracksResults: true,
		Handler: func(ctx context.Context, _ tools.Scope, args json.RawMessage) (tools.Output, error) {
			var in struct {
				Query string `json:"query"`
			}
			if err := tools.DecodeArguments(args, &in); err != nil {
				return tools.Output{}, err
			}
			query := strings.TrimSpace(in.Query)
			if query == "" {
				return tools.Output{}, &tools.ArgumentError{Param: "query", Message: "must be non-empty"}
			}
			if searcher == nil {
				return tools.Output{}, errors.New("knowledge base is not configured")
			}

			results, err := searcher.Search(ctx, query, topK)
			if err != nil {
				return tools.Output{}, err
			}
			return tools.Output{Payload: formatResults(results), Results: results}, nil
		},
	}
}

func formatResults(results []search.Result) SearchOutput {
	out := SearchOutput{Passages: make([]Passage, 0, len(results))}
	var text strings.Builder
	for _, r := range results {
		out.Passages = append(out.Passages, Passage{ID: r.ID, Title: r.Title, Content: r.Content})
		fmt.Fprintf(&text, "[%s]: %s\n-----\n", r.ID, r.Content)
	}
	out.Text = text.String()
	return out
}

func ReportGroundingTool() tools.Definition {
	noExtra := false
	return tools.Definition{
		Name: ToolReportGrounding,
		Description: "Report use of a source from the knowledge base as part of an answer (effectively, cite the source). " +
			"Sources appear in square brackets before each knowledge base passage. " +
			"Always use this tool to cite sources when responding with information from the knowledge base.",
		Parameters: tools.Schema{
			Type: "object",
			Properties: map[string]tools.Schema{
				"sources": {
					Type:        "array",
					Description: "List of source ids from the last search that were used to formulate the answer",
					Items:       &tools.Schema{Type: "string"},
				},
			},
			Required:             []string{"sources"},
			AdditionalProperties: &noExtra,
		},
		Handler: func(_ context.Context, scope tools.Scope, args json.RawMessage) (tools.Output, error) {
			var in struct {
				Sources []string `json:"sources"`
			}
			if err := tools.DecodeArguments(args, &in); err != nil {
				return tools.Output{}, err
			}
			if scope.Grounding == nil {
				return tools.Output{}, errors.New("grounding is not tracked for this session")
			}
			accepted := scope.Grounding.Cite(in.Sources)
			return tools.Output{Payload: GroundingOutput{Accepted: accepted}}, nil
		},
	}
}
