package wire

// Column describes one field of a RowDescription, as returned by the
// server for a SimpleQuery (text format only; spec.md §4.1 never
// requests binary format).
type Column struct {
	Name string
}

// Row is one DataRow: a fixed-width vector of nullable strings aligned
// to the RowSet's Columns, per spec.md §3 "Tuple / RowSet". Null is
// represented by Valid=false (mirroring the server's length -1 marker)
// rather than a sentinel string, so "empty string" and "NULL" are never
// conflated downstream.
type Row struct {
	Values []NullString
}

// NullString is a nullable text value.
type NullString struct {
	String string
	Valid  bool
}

// RowSet is one query's complete result, plus the server index that
// produced it (spec.md §3). RowSets live for one scrape only; they are
// never shared across workers.
type RowSet struct {
	Columns    []Column
	Rows       []Row
	ServerIdx  int
	CommandTag string
}

// ColumnIndex returns the index of a column by name, or -1.
func (rs *RowSet) ColumnIndex(name string) int {
	for i, c := range rs.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// SimpleQuery sends a Query message and reads until ReadyForQuery,
// translating ErrorResponse into a typed failure carrying the
// SQLSTATE. Idle is the only legal starting state.
func (h *Handle) SimpleQuery(sql string) (*RowSet, error) {
	if h.state != StateIdle {
		return nil, protocolErrorf("SimpleQuery called from state %s, want idle", h.state)
	}
	h.state = StateQuerying

	m := newFrontendMessage('Q').cstring(sql)
	if err := writeMessage(h.conn, m); err != nil {
		h.state = StateError
		return nil, protocolErrorf("sending Query: %v", err)
	}

	rs := &RowSet{}
	var queryErr error

	for {
		msg, err := readBackendMessage(h.r)
		if err != nil {
			h.state = StateError
			return nil, protocolErrorf("reading query response: %v", err)
		}
		switch msg.typeByte {
		case backendRowDescription:
			cols, err := parseRowDescription(msg.body)
			if err != nil {
				h.state = StateError
				return nil, err
			}
			rs.Columns = cols
		case backendDataRow:
			row, err := parseDataRow(msg.body, len(rs.Columns))
			if err != nil {
				h.state = StateError
				return nil, err
			}
			rs.Rows = append(rs.Rows, row)
		case backendCommandComplete:
			c := newCursor(msg.body)
			tag, _ := c.cstring()
			rs.CommandTag = tag
		case backendEmptyQueryResp:
			// no-op: empty query string, no rows.
		case backendNoticeResponse:
			// discarded per spec.md §4.1.
		case backendErrorResponse:
			sqlstate, message := parseErrorFieldsSplit(msg.body)
			queryErr = &Error{Kind: KindQuery, Message: message, SQLState: sqlstate}
		case backendReadyForQuery:
			h.state = StateIdle
			if queryErr != nil {
				return nil, queryErr
			}
			return rs, nil
		default:
			h.state = StateError
			return nil, protocolErrorf("unexpected message %q during query", msg.typeByte)
		}
	}
}

func parseRowDescription(body []byte) ([]Column, error) {
	c := newCursor(body)
	n, err := c.int16()
	if err != nil {
		return nil, protocolErrorf("reading field count: %v", err)
	}
	cols := make([]Column, 0, n)
	for i := int16(0); i < n; i++ {
		name, err := c.cstring()
		if err != nil {
			return nil, protocolErrorf("reading column name: %v", err)
		}
		// tableOID(4) columnAttrNum(2) typeOID(4) typeLen(2) typeMod(4) format(2)
		if _, err := c.bytes(18); err != nil {
			return nil, protocolErrorf("reading column descriptor fields: %v", err)
		}
		cols = append(cols, Column{Name: name})
	}
	return cols, nil
}

func parseDataRow(body []byte, expectedCols int) (Row, error) {
	c := newCursor(body)
	n, err := c.int16()
	if err != nil {
		return Row{}, protocolErrorf("reading column count: %v", err)
	}
	row := Row{Values: make([]NullString, n)}
	for i := int16(0); i < n; i++ {
		length, err := c.int32()
		if err != nil {
			return Row{}, protocolErrorf("reading column length: %v", err)
		}
		if length < 0 {
			row.Values[i] = NullString{Valid: false}
			continue
		}
		val, err := c.bytes(int(length))
		if err != nil {
			return Row{}, protocolErrorf("reading column value: %v", err)
		}
		row.Values[i] = NullString{String: string(val), Valid: true}
	}
	if expectedCols > 0 && int(n) != expectedCols {
		return row, protocolErrorf("DataRow has %d columns, RowDescription declared %d", n, expectedCols)
	}
	return row, nil
}

func parseErrorFieldsSplit(body []byte) (sqlstate, message string) {
	c := newCursor(body)
	for {
		fieldType, err := c.byte()
		if err != nil || fieldType == 0 {
			break
		}
		val, err := c.cstring()
		if err != nil {
			break
		}
		switch fieldType {
		case 'M':
			message = val
		case 'C':
			sqlstate = val
		}
	}
	return sqlstate, message
}
