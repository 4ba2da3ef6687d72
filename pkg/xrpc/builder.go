package xrpc

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

const (
	// DefaultChunkBytes bounds the text of one executed chunk.
	DefaultChunkBytes = 16 * 1024

	statementSeparator = ";"
	eventTimeLayout    = "2006-01-02 15:04:05.999999-07:00"
)

// Param is one typed argument of a rendered procedure invocation.
type Param struct {
	Value any
	Cast  string
}

// Statement is a single call-dispatch invocation.
type Statement struct {
	EventID   int64
	Procedure string
	Params    []Param

	text string
}

func newStatement(eventID int64, procedure string, params []Param) Statement {
	s := Statement{EventID: eventID, Procedure: procedure, Params: params}
	s.text = s.render()
	return s
}

// SQL renders the statement with every parameter inlined as a literal.
func (s Statement) SQL() string {
	if s.text == "" {
		return s.render()
	}
	return s.text
}

// WireSize is the number of bytes the statement adds to its chunk.
func (s Statement) WireSize() int {
	return len(s.SQL()) + len(statementSeparator)
}

func (s Statement) render() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(quoteProcedure(s.Procedure))
	b.WriteByte('(')
	for i, p := range s.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.literal())
	}
	b.WriteByte(')')
	return b.String()
}

func (p Param) literal() string {
	var lit string
	switch v := p.Value.(type) {
	case nil:
		return "NULL"
	case *string:
		if v == nil {
			return "NULL"
		}
		lit = pq.QuoteLiteral(*v)
	case string:
		lit = pq.QuoteLiteral(v)
	case int64:
		lit = strconv.FormatInt(v, 10)
	case time.Time:
		lit = pq.QuoteLiteral(v.Format(eventTimeLayout))
	default:
		lit = pq.QuoteLiteral(fmt.Sprint(v))
	}
	if p.Cast != "" {
		lit += "::" + p.Cast
	}
	return lit
}

func quoteProcedure(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// Chunk is a run of consecutive statements executed as one unit.
type Chunk struct {
	Statements []Statement
	Size       int
}

func (c Chunk) SQL() string {
	var b strings.Builder
	b.Grow(c.Size)
	for _, s := range c.Statements {
		b.WriteString(s.SQL())
		b.WriteString(statementSeparator)
	}
	return b.String()
}

// Builder renders calls into invocations of the destination call-dispatch
// procedure and packs them into chunks of at most Limit bytes. A statement
// larger than Limit gets a chunk of its own.
type Builder struct {
	Queue     string
	Procedure string
	Limit     int
}

func NewBuilder(schema, queue string, limit int) Builder {
	if schema == "" {
		schema = DefaultSchema
	}
	if limit <= 0 {
		limit = DefaultChunkBytes
	}
	return Builder{
		Queue:     queue,
		Procedure: schema + ".do_call",
		Limit:     limit,
	}
}

// Render builds the statement for one call; a call with failed args yields
// a *BuildError.
func (b Builder) Render(batchID int64, c *Call) (Statement, error) {
	if c.Args.Failed() {
		return Statement{}, &BuildError{Destination: c.Destination, EventID: c.ID, Err: c.Args.Err()}
	}
	return newStatement(c.ID, b.Procedure, []Param{
		{Value: c.Destination},
		{Value: b.Queue},
		{Value: batchID},
		{Value: c.ID},
		{Value: c.Time, Cast: "timestamptz"},
		{Value: c.Type},
		{Value: c.Procedure},
		{Value: c.RawArgs, Cast: "hstore"},
	}), nil
}

// Build renders every call in order. Nothing is returned if any call fails
// to render, so no chunk of the destination runs.
func (b Builder) Build(batchID int64, calls []*Call) ([]Chunk, error) {
	var (
		chunks []Chunk
		cur    Chunk
	)
	for _, c := range calls {
		st, err := b.Render(batchID, c)
		if err != nil {
			return nil, err
		}
		size := st.WireSize()
		if len(cur.Statements) > 0 && cur.Size+size > b.Limit {
			chunks = append(chunks, cur)
			cur = Chunk{}
		}
		cur.Statements = append(cur.Statements, st)
		cur.Size += size
	}
	if len(cur.Statements) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks, nil
}
