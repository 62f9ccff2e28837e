package toolserver

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolName is a closed identifier set: every dispatchable tool is a constant
// here, and the catalogue below is the single source of its schema.
type ToolName string

const (
	ToolExtractText ToolName = "extract_pdf_text"
	ToolExtractMeta ToolName = "extract_pdf_metadata"
	ToolSearchPDF   ToolName = "search_pdf"
	ToolIndexPDF    ToolName = "index_pdf"
	ToolAnswer      ToolName = "answer_question"
	ToolAnswerRAG   ToolName = "answer_question_rag"
	ToolAnswerMulti ToolName = "answer_multiple_questions_rag"
	ToolSummarize   ToolName = "summarize_document"
	ToolKeyPoints   ToolName = "extract_key_points"
	ToolDeleteIndex ToolName = "delete_document_index"
)

// catalogue declares every tool with its input schema, in the order
// tools/list reports them.
var catalogue = []mcp.Tool{
	mcp.NewTool(string(ToolExtractText),
		mcp.WithDescription("Extract the full plain text of a PDF document."),
		mcp.WithString("pdf_path", mcp.Required(), mcp.Description("Filesystem path to the PDF file")),
	),
	mcp.NewTool(string(ToolExtractMeta),
		mcp.WithDescription("Extract document metadata: title, author, page count, file size."),
		mcp.WithString("pdf_path", mcp.Required(), mcp.Description("Filesystem path to the PDF file")),
	),
	mcp.NewTool(string(ToolSearchPDF),
		mcp.WithDescription("Find occurrences of a text string in a PDF, page by page."),
		mcp.WithString("pdf_path", mcp.Required(), mcp.Description("Filesystem path to the PDF file")),
		mcp.WithString("needle", mcp.Required(), mcp.Description("Text to search for")),
		mcp.WithBoolean("case_sensitive", mcp.Description("Match case exactly (default false)")),
	),
	mcp.NewTool(string(ToolIndexPDF),
		mcp.WithDescription("Build or load the retrieval index for a PDF and report its size."),
		mcp.WithString("pdf_path", mcp.Required(), mcp.Description("Filesystem path to the PDF file")),
		mcp.WithBoolean("force", mcp.Description("Discard any existing index and rebuild")),
	),
	mcp.NewTool(string(ToolAnswer),
		mcp.WithDescription("Answer a question using the entire document in one pass. Only suitable for small PDFs; large documents are refused."),
		mcp.WithString("pdf_path", mcp.Required(), mcp.Description("Filesystem path to the PDF file")),
		mcp.WithString("question", mcp.Required(), mcp.Description("Question to answer from the document")),
	),
	mcp.NewTool(string(ToolAnswerRAG),
		mcp.WithDescription("Answer a question using retrieval: only the most relevant chunks are sent to the model. Preferred for documents of any size."),
		mcp.WithString("pdf_path", mcp.Required(), mcp.Description("Filesystem path to the PDF file")),
		mcp.WithString("question", mcp.Required(), mcp.Description("Question to answer from the document")),
		mcp.WithNumber("top_k", mcp.Description("How many chunks to retrieve (default 3)")),
	),
	mcp.NewTool(string(ToolAnswerMulti),
		mcp.WithDescription("Answer several questions about one document. Each question is answered independently; one failure does not fail the batch."),
		mcp.WithString("pdf_path", mcp.Required(), mcp.Description("Filesystem path to the PDF file")),
		mcp.WithArray("questions", mcp.Required(), mcp.Description("Questions to answer, in order"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithNumber("top_k", mcp.Description("How many chunks to retrieve per question (default 3)")),
	),
	mcp.NewTool(string(ToolSummarize),
		mcp.WithDescription("Produce a comprehensive summary of the document."),
		mcp.WithString("pdf_path", mcp.Required(), mcp.Description("Filesystem path to the PDF file")),
		mcp.WithNumber("max_length", mcp.Description("Approximate summary length in words")),
	),
	mcp.NewTool(string(ToolKeyPoints),
		mcp.WithDescription("Extract the most important key points of the document as a list."),
		mcp.WithString("pdf_path", mcp.Required(), mcp.Description("Filesystem path to the PDF file")),
		mcp.WithNumber("num_points", mcp.Description("How many key points to extract (default 5)")),
	),
	mcp.NewTool(string(ToolDeleteIndex),
		mcp.WithDescription("Drop the retrieval index of a document, in memory and on disk."),
		mcp.WithString("pdf_path", mcp.Required(), mcp.Description("Filesystem path to the PDF file")),
	),
}

// schemas holds one compiled validator per tool, built once at startup from
// the catalogue's input schemas.
var schemas = func() map[ToolName]*jsonschema.Schema {
	compiled := make(map[ToolName]*jsonschema.Schema, len(catalogue))
	compiler := jsonschema.NewCompiler()
	for _, tool := range catalogue {
		url := fmt.Sprintf("inmem://tools/%s.json", tool.Name)
		raw, err := json.Marshal(tool.InputSchema)
		if err != nil {
			panic(fmt.Sprintf("marshal schema for %s: %v", tool.Name, err))
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			panic(fmt.Sprintf("parse schema for %s: %v", tool.Name, err))
		}
		if err := compiler.AddResource(url, doc); err != nil {
			panic(fmt.Sprintf("register schema for %s: %v", tool.Name, err))
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("compile schema for %s: %v", tool.Name, err))
		}
		compiled[ToolName(tool.Name)] = schema
	}
	return compiled
}()

// Catalogue returns the tool list as served by tools/list.
func Catalogue() []mcp.Tool {
	out := make([]mcp.Tool, len(catalogue))
	copy(out, catalogue)
	return out
}

// lookupTool returns the catalogue entry for name.
func lookupTool(name string) (mcp.Tool, bool) {
	for _, tool := range catalogue {
		if tool.Name == name {
			return tool, true
		}
	}
	return mcp.Tool{}, false
}
