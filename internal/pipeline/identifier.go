package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"brokercrm/internal/apperr"
)

type IdentifierKind string

const (
	KindLead IdentifierKind = "L"
	KindDeal IdentifierKind = "D"
)

const identifierDay = "20060102"

var identifierPattern = regexp.MustCompile(`^([A-Z0-9]+)-([LD])-(\d{8})-(\d{4,})$`)

// Identifier is a parsed display number like PQT-L-20250101-0007.
type Identifier struct {
	Prefix string
	Kind   IdentifierKind
	Day    time.Time
	Seq    int
}

func (id Identifier) String() string {
	return FormatIdentifier(id.Prefix, id.Kind, id.Day, id.Seq)
}

// SequenceScope is the counter key; counters reset per scope and UTC day.
func SequenceScope(prefix string, kind IdentifierKind) string {
	return prefix + "-" + string(kind)
}

// SequenceDay truncates t to the UTC calendar day the counter belongs to.
func SequenceDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func FormatIdentifier(prefix string, kind IdentifierKind, day time.Time, seq int) string {
	return fmt.Sprintf("%s-%s-%s-%04d", prefix, kind, SequenceDay(day).Format(identifierDay), seq)
}

func ParseIdentifier(s string) (Identifier, error) {
	m := identifierPattern.FindStringSubmatch(s)
	if m == nil {
		return Identifier{}, apperr.Validationf("malformed identifier %q", s)
	}
	day, err := time.ParseInLocation(identifierDay, m[3], time.UTC)
	if err != nil {
		return Identifier{}, apperr.Validationf("malformed identifier date %q", m[3])
	}
	seq, err := strconv.Atoi(m[4])
	if err != nil || seq < 1 {
		return Identifier{}, apperr.Validationf("malformed identifier sequence %q", m[4])
	}
	return Identifier{Prefix: m[1], Kind: IdentifierKind(m[2]), Day: day, Seq: seq}, nil
}
