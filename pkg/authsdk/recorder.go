package authsdk

// Outcome labels passed to a Recorder.
const (
	OutcomeSuccess   = "success"
	OutcomeChallenge = "challenge"
	OutcomeFailure   = "failure"
	OutcomeDiscarded = "discarded"
)

// Recorder receives session lifecycle counts. internal/metrics provides a
// Prometheus implementation.
type Recorder interface {
	RecordLogin(outcome string)
	RecordRefresh(outcome string)
	RecordRefreshShared()
	RecordSessionInvalid()
}

type nopRecorder struct{}

func (nopRecorder) RecordLogin(string)    {}
func (nopRecorder) RecordRefresh(string)  {}
func (nopRecorder) RecordRefreshShared()  {}
func (nopRecorder) RecordSessionInvalid() {}
