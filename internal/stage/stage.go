// Package stage records per-deployment pipeline stage transitions.
package stage

// Key identifies a pipeline stage. The final three are virtual stages that
// mirror the deployment's terminal classification so the timeline can be
// queried as a whole.
type Key string

const (
	Queued     Key = "queued"
	Cloning    Key = "cloning"
	Checkout   Key = "checkout"
	Installing Key = "installing"
	Building   Key = "building"
	Copying    Key = "copying"
	Success    Key = "success"
	Failed     Key = "failed"
	Cancelled  Key = "cancelled"
)

// Status values for a single stage row.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Labels maps stage keys to their display names, which are also the
// persisted stage_name values.
var Labels = map[Key]string{
	Queued:     "Queued",
	Cloning:    "Cloning",
	Checkout:   "Checkout",
	Installing: "Installing",
	Building:   "Building",
	Copying:    "Copying",
	Success:    "Success",
	Failed:     "Failed",
	Cancelled:  "Cancelled",
}

// Order is the fixed display ordering of stage names.
var Order = []string{
	"Queued",
	"Cloning",
	"Checkout",
	"Installing",
	"Building",
	"Copying",
	"Success",
	"Failed",
	"Cancelled",
}

var orderIndex = func() map[string]int {
	m := make(map[string]int, len(Order))
	for i, name := range Order {
		m[name] = i
	}
	return m
}()

// Terminal reports whether a status value ends a stage's lifecycle.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
