package domain

// IngestOutcome — исход приема одного конверта в журнал идемпотентности.
type IngestOutcome int

const (
	OutcomeAccepted IngestOutcome = iota + 1 // Первое появление eventId
	OutcomeDeduped                           // Повтор: дальше по пайплайну не идет
)

// IngestResult — вариант accepted/deduped в форме, которую отдает HTTP API.
type IngestResult struct {
	Outcome IngestOutcome `json:"-"`
}

func Accepted() IngestResult { return IngestResult{Outcome: OutcomeAccepted} }
func Deduped() IngestResult  { return IngestResult{Outcome: OutcomeDeduped} }

func (r IngestResult) IsAccepted() bool { return r.Outcome == OutcomeAccepted }
func (r IngestResult) IsDeduped() bool  { return r.Outcome == OutcomeDeduped }

// MarshalJSON отдает плоскую форму {accepted, deduped}.
func (r IngestResult) MarshalJSON() ([]byte, error) {
	if r.IsAccepted() {
		return []byte(`{"accepted":true,"deduped":false}`), nil
	}
	return []byte(`{"accepted":false,"deduped":true}`), nil
}

// IngestStats — счетчики журнала идемпотентности.
type IngestStats struct {
	StoredEvents  int64 `json:"storedEvents"`
	DedupedEvents int64 `json:"dedupedEvents"`
}
