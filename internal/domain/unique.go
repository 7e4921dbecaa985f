package domain

// UniqueField names one of the fields a UniqueSpec may fingerprint.
type UniqueField string

const (
	FieldWorker UniqueField = "worker"
	FieldQueue  UniqueField = "queue"
	FieldArgs   UniqueField = "args"
	FieldMeta   UniqueField = "meta"
)

// UniqueSpec is the per-job declaration of how duplicate inserts collapse
// (§4.1). A zero value is invalid; use DefaultUniqueSpec or fill in
// Fields and States explicitly.
type UniqueSpec struct {
	// Fields selects which parts of the job participate in the fingerprint.
	Fields []UniqueField
	// Keys restricts which sub-entries of Args/Meta participate. Nil means
	// "all keys". Ignored for Fields that aren't Args/Meta.
	Keys []string
	// Period is the rolling window after which a fingerprint's bucket term
	// changes and a new job is allowed. Zero means unbounded (no bucketing).
	Period int64 // seconds
	// States is the set of job states in which an existing row blocks a new
	// insert sharing the same fingerprint.
	States []State
}

// DefaultUniqueSpec matches on worker+queue+args, unbounded period, and
// blocks against any non-terminal state — the common case for "unique"
// being just `true` on a job spec.
func DefaultUniqueSpec() *UniqueSpec {
	return &UniqueSpec{
		Fields: []UniqueField{FieldWorker, FieldQueue, FieldArgs},
		States: []State{Available, Scheduled, Executing, Retryable},
	}
}
