package llm

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/pdfqa/pdfqa/pkg/domain"
)

// analysisSystemPrompt pins the model to the supplied excerpts. Answers must
// come from the document alone; anything missing is reported as not found.
const analysisSystemPrompt = "You are a document analysis assistant. Your ONLY job is to extract information from the provided document. " +
	"CRITICAL RULES:\n" +
	"1. Answer ONLY using information explicitly stated in the document\n" +
	"2. Do NOT use any external knowledge or information from the web\n" +
	"3. If the answer is not in the document, respond with 'This information is not found in the document'\n" +
	"4. Provide direct quotes from the document when possible\n" +
	"5. Do not make inferences beyond what is explicitly stated"

// formatSystemPrompt drives the optional second pass that reshapes a raw
// answer into readable markdown.
const formatSystemPrompt = "You are an expert at summarizing and formatting answers. " +
	"Your job is to make answers clear, concise, and user-friendly. " +
	"CRITICAL RULES:\n" +
	"1. Whatever the question, you need to provide a summary then the answer to the questions\n" +
	"2. Keep all factual information from the original answer\n" +
	"3. Keep all PII's and show them clearly\n" +
	"4. Make the answer more readable and well-structured\n" +
	"5. Use bullet points, numbering, or paragraphs as appropriate\n" +
	"6. Remove redundancy but preserve all key details\n" +
	"7. If the answer says information is not found, keep that clear"

// AnalysisPrompt renders the user message for a question over document text.
func AnalysisPrompt(documentText, question string) string {
	return fmt.Sprintf(`DOCUMENT CONTENT:
---
%s
---

QUESTION: %s

Extract the answer from the document above. Only use information from the document.`, documentText, question)
}

// FormatPrompt renders the user message for the formatting pass.
func FormatPrompt(rawAnswer, question string) string {
	var ctx string
	if question != "" {
		ctx = fmt.Sprintf("Original Question: %s\n\n", question)
	}
	return fmt.Sprintf(`%sRaw Answer to Summarize:
---
%s
---

Please provide a clear, well-formatted summary of this answer. Make it easy to read and understand while preserving all important information.`, ctx, rawAnswer)
}

// AssembleContext joins retrieved chunks into the excerpt block the model
// sees, highest-scoring first, each under a numbered section header.
func AssembleContext(hits []domain.SearchHit) string {
	parts := make([]string, len(hits))
	for i, hit := range hits {
		parts[i] = fmt.Sprintf("[Relevant Section %d]\n%s", i+1, hit.Chunk.Text)
	}
	return strings.Join(parts, "\n\n")
}

// SummaryQuestion builds the summarization request. maxLength of 0 leaves
// the length unconstrained.
func SummaryQuestion(maxLength int) string {
	var length string
	if maxLength > 0 {
		length = fmt.Sprintf(" in approximately %d words", maxLength)
	}
	return fmt.Sprintf("Please provide a comprehensive summary of this document%s.", length)
}

// KeyPointsQuestion asks for the top numPoints points as bullets.
func KeyPointsQuestion(numPoints int) string {
	return fmt.Sprintf("Please extract the %d most important key points from this document. Format each point as a bullet point.", numPoints)
}

// ParseKeyPoints pulls bullet lines out of a model answer. Lines led by a
// bullet glyph or a digit count; prefixes and list punctuation are stripped.
// An answer with no recognizable bullets comes back whole as a single point.
func ParseKeyPoints(answer string, numPoints int) []string {
	var points []string
	for _, line := range strings.Split(answer, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !isBulletLine(line) {
			continue
		}
		point := strings.TrimLeft(line, "•-*")
		point = strings.TrimLeftFunc(point, func(r rune) bool {
			return unicode.IsDigit(r) || r == '.' || r == ')' || r == ' '
		})
		point = strings.TrimSpace(point)
		if point != "" {
			points = append(points, point)
		}
	}
	if len(points) == 0 {
		return []string{answer}
	}
	if numPoints > 0 && len(points) > numPoints {
		points = points[:numPoints]
	}
	return points
}

func isBulletLine(line string) bool {
	r := []rune(line)[0]
	return r == '•' || r == '-' || r == '*' || (r >= '1' && r <= '9')
}
