package partition

import (
	"fmt"
	"time"

	"github.com/ethpandaops/runsync/pkg/record"
)

// dateLayout renders the UTC calendar date inside file names.
const dateLayout = "2006_01_02"

// FileName returns the target file of a record created at t.
func FileName(prefix string, t time.Time) string {
	return fmt.Sprintf("%s_%s.tsv", prefix, t.UTC().Format(dateLayout))
}

// Group is the records destined for one file.
type Group struct {
	FileName string
	Records  []*record.RunRecord
}

// ByDate groups records by target file. Groups appear in the order their
// first record appears and keep their records in input order.
func ByDate(prefix string, records []*record.RunRecord) []Group {
	index := make(map[string]int, 4)
	groups := make([]Group, 0, 4)

	for _, rec := range records {
		name := FileName(prefix, rec.CreatedAt)

		i, ok := index[name]
		if !ok {
			i = len(groups)
			index[name] = i
			groups = append(groups, Group{FileName: name})
		}

		groups[i].Records = append(groups[i].Records, rec)
	}

	return groups
}
