package inventory

import (
	"context"

	"github.com/common-fate/hubctl/pkg/apierr"
)

// pageFunc fetches the page starting at token. An empty next token means
// there are no further pages. Pages may be empty while more remain.
type pageFunc func(ctx context.Context, token string) (records []AccountRecord, next string, err error)

// Cursor iterates over the records of one query. Page boundaries are
// never visible to callers.
//
//	c := store.Query(ctx, p)
//	for c.Next(ctx) {
//		rec := c.Record()
//	}
//	if err := c.Err(); err != nil { ... }
type Cursor struct {
	fetch     pageFunc
	buf       []AccountRecord
	token     string
	exhausted bool
	cur       AccountRecord
	err       error
	seen      map[string]struct{}
}

func newCursor(fetch pageFunc) *Cursor {
	return &Cursor{fetch: fetch, seen: map[string]struct{}{}}
}

func errCursor(err error) *Cursor {
	return &Cursor{err: err, exhausted: true}
}

// Next advances to the next record, fetching pages as needed.
func (c *Cursor) Next(ctx context.Context) bool {
	for len(c.buf) == 0 {
		if c.err != nil || c.exhausted {
			return false
		}
		if err := ctx.Err(); err != nil {
			c.err = err
			return false
		}
		records, next, err := c.fetch(ctx, c.token)
		if err != nil {
			c.err = err
			return false
		}
		c.buf, c.token = records, next
		c.exhausted = next == ""
	}
	c.cur, c.buf = c.buf[0], c.buf[1:]
	if _, dup := c.seen[c.cur.ID]; dup {
		c.err = apierr.Validationf("account id %s appears more than once in the inventory", c.cur.ID)
		return false
	}
	c.seen[c.cur.ID] = struct{}{}
	return true
}

func (c *Cursor) Record() AccountRecord { return c.cur }

// Err returns the first error encountered while iterating.
func (c *Cursor) Err() error { return c.err }
