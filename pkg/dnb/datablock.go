package dnb

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// DataBlock is a D&B data-block document (companyinfo and friends).
type DataBlock struct {
	Organization Organization `json:"organization"`
}

// maxLine bounds one JSON document in a data-block file.
const maxLine = 4 << 20

// ReadDataBlocks decodes one data block per line and calls fn for each.
// Blank lines are skipped. Decoding stops at the first error.
func ReadDataBlocks(r io.Reader, fn func(line int, db *DataBlock) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var db DataBlock
		if err := json.Unmarshal([]byte(text), &db); err != nil {
			return eris.Wrapf(err, "dnb: decode data block on line %d", line)
		}
		if err := fn(line, &db); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return eris.Wrap(err, "dnb: read data blocks")
	}
	return nil
}
