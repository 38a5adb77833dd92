// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes multihop tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/multihop/internal/apperr"
	"github.com/starford/multihop/internal/pipeline"
)

const answerFormatURI = "multihop://answer-format"

// Server wraps the MCP server with multihop tools.
type Server struct {
	mcp *server.MCPServer
	p   *pipeline.Pipeline
}

// New creates a new MCP server with all multihop tools registered.
func New(p *pipeline.Pipeline) *Server {
	s := &Server{p: p}

	s.mcp = server.NewMCPServer(
		"multihop",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("ask",
		mcp.WithDescription("Answer a question using only the indexed documents. "+
			"Conflicting statements are resolved by specificity, then upload date. "+
			"Read the answer format via get_answer_format or the multihop://answer-format resource."),
		mcp.WithString("question", mcp.Required(), mcp.Description("Natural language question")),
		mcp.WithBoolean("debug", mcp.Description("Include retrieved chunk ids and scores")),
		mcp.WithString("format", mcp.Description("json (default) or text"), mcp.Enum("json", "text")),
	), s.ask)

	s.mcp.AddTool(mcp.NewTool("retrieve",
		mcp.WithDescription("Return the most similar document chunks for a query, without synthesis."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query")),
		mcp.WithNumber("k", mcp.Description("Number of chunks (defaults to the configured top-k)")),
	), s.retrieve)

	s.mcp.AddTool(mcp.NewTool("list_documents",
		mcp.WithDescription("List active documents with fingerprint, name, size and upload date."),
		mcp.WithString("sort", mcp.Description("inserted (default) or uploaded (newest first)"),
			mcp.Enum(pipeline.SortInserted, pipeline.SortUploaded)),
	), s.listDocuments)

	s.mcp.AddTool(mcp.NewTool("remove_document",
		mcp.WithDescription("Remove a document by fingerprint. Its chunks are never cited again."),
		mcp.WithString("fingerprint", mcp.Required(), mcp.Description("SHA-256 content fingerprint")),
	), s.removeDocument)

	s.mcp.AddTool(mcp.NewTool("ingest_url",
		mcp.WithDescription("Download a document (http/https URL or base64 data URI) and add it to the collection. "+
			"Supported types: txt, md, docx, pdf."),
		mcp.WithString("url", mcp.Required(), mcp.Description("Source URL or data URI")),
		mcp.WithString("filename", mcp.Description("Optional file name; derived from the URL when empty")),
	), s.ingestURL)

	s.mcp.AddTool(mcp.NewTool("get_answer_format",
		mcp.WithDescription("Returns the multihop answer format contract."),
	), s.getAnswerFormat)

	s.mcp.AddTool(mcp.NewTool("storage_stats",
		mcp.WithDescription("Collection statistics: documents, bytes, chunks, index entries, rebuild flag."),
	), s.storageStats)

	s.mcp.AddResource(
		mcp.NewResource(answerFormatURI, "Answer Format Contract",
			mcp.WithResourceDescription("Layout and rules of synthesized answers."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readAnswerFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

func errorResult(err error) *mcp.CallToolResult {
	if errors.Is(err, apperr.ErrNoDocuments) {
		return mcp.NewToolResultError(pipeline.NoDocumentsGuidance)
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) ask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ans, err := s.p.Ask(ctx, question, req.GetBool("debug", false))
	if err != nil {
		return errorResult(err), nil
	}
	if req.GetString("format", "json") == "text" {
		return mcp.NewToolResultText(ans.Format()), nil
	}
	return jsonResult(ans), nil
}

type retrievedChunk struct {
	ChunkID  string  `json:"chunk_id"`
	Score    float64 `json:"score"`
	Document string  `json:"document"`
	Text     string  `json:"text"`
}

func (s *Server) retrieve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	hits, err := s.p.Retrieve(ctx, query, req.GetInt("k", 0))
	if err != nil {
		return errorResult(err), nil
	}
	out := make([]retrievedChunk, len(hits))
	for i, h := range hits {
		out[i] = retrievedChunk{ChunkID: h.ChunkID, Score: h.Score, Document: h.Document.Name, Text: h.Chunk.Text}
	}
	return jsonResult(out), nil
}

func (s *Server) listDocuments(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docs, err := s.p.ListDocuments(req.GetString("sort", pipeline.SortInserted))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(docs), nil
}

func (s *Server) removeDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fp, err := req.RequireString("fingerprint")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.p.RemoveDocument(ctx, fp); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("not found: %s", fp)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("removed: %s", fp)), nil
}

func (s *Server) storageStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.p.Stats()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(st), nil
}

func (s *Server) getAnswerFormat(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(AnswerFormatContract), nil
}

func (s *Server) readAnswerFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      answerFormatURI,
			MIMEType: "text/markdown",
			Text:     AnswerFormatContract,
		},
	}, nil
}
