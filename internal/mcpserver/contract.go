package mcpserver

import "github.com/starford/multihop/internal/synth"

// AnswerFormatContract describes how multihop answers are laid out and
// how clients should read them.
const AnswerFormatContract = `# multihop Answer Format

Answers are assembled only from statements found in the indexed documents.
The ` + "`" + `ask` + "`" + ` tool returns JSON by default; with ` + "`" + `format: "text"` + "`" + ` it renders:

` + "```" + `text
` + synth.AnswerFormat + `
` + "```" + `

## Rules

1. **Quotes are verbatim.** Every sentence of the final answer is copied from a document
   chunk; nothing is paraphrased or invented.
2. **One statement per topic.** When documents disagree, the more specific statement wins;
   between equally specific statements the later upload wins.
3. **Superseded statements** are listed with the reason they lost (less specific, older
   upload, earlier in the same document, lower retrieval rank).
4. **No answer** is reported explicitly when no retrieved statement shares a term with the
   question. Clients must not fill the gap from other knowledge.
5. **Evidence** names the source document of each quote, so a removed document can never
   appear after removal.

## JSON fields

- ` + "`" + `answer` + "`" + ` – final answer text.
- ` + "`" + `evidence[]` + "`" + ` – chunk_id, document_name, quote, specificity, uploaded_at.
- ` + "`" + `superseded[]` + "`" + ` – statement, superseded_by (chunk id), reason.
- ` + "`" + `reasoning` + "`" + ` – how conflicts were resolved.
- ` + "`" + `used_chunk_ids` + "`" + ` – subset of the retrieved chunk ids.
- ` + "`" + `retrieved_chunks` + "`" + ` – chunk_id, score, doc_name; only with ` + "`" + `debug: true` + "`" + `.
`
