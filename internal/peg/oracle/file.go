package oracle

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// FileOracle reads a single decimal value from a file on every call,
// grounded on the original's read_price_from_file (src/monetary/oracle_stub.cpp).
type FileOracle struct {
	Base
	path string
}

// NewFile constructs a FileOracle reading from path.
func NewFile(path string) *FileOracle {
	o := &FileOracle{path: path}
	o.Base.Self = o
	return o
}

func newFileFromParams(params string) (Oracle, error) {
	if params == "" {
		return nil, fmt.Errorf("oracle: file: requires a path, got empty params")
	}
	return NewFile(params), nil
}

// Latest reads and parses the file's current contents. Any I/O or parse
// failure is reported as ok=false, matching the port contract's "may fail
// due to transport, parsing, file absence".
func (o *FileOracle) Latest() (Price, bool) {
	data, err := os.ReadFile(o.path)
	if err != nil {
		return Price{}, false
	}
	price, err := parsePriceDecimal(strings.TrimSpace(string(data)))
	if err != nil {
		return Price{}, false
	}
	return Price{
		PriceScaled: price,
		Timestamp:   uint64(time.Now().Unix()),
		Source:      "file:" + o.path,
	}, true
}
