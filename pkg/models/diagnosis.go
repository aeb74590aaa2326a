package models

// ResultKind tags a DiagnosisResult
type ResultKind string

const (
	ResultSuccess           ResultKind = "success"
	ResultServerReported    ResultKind = "server_reported"
	ResultMalformedResponse ResultKind = "malformed_response"
	ResultTransportFailure  ResultKind = "transport_failure"
)

// Diagnosis is a successful prediction
type Diagnosis struct {
	DiseaseName    string `json:"disease_name"`
	Cure           string `json:"cure"`
	Precaution     string `json:"precaution"`
	Confidence     string `json:"confidence,omitempty"`
	PredictedClass *int   `json:"predicted_class,omitempty"`
}

// Failure is a terminal failure of one submission
type Failure struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// DiagnosisResult is the outcome of one submission. Exactly one of Diagnosis
// and Failure is set, according to Kind.
type DiagnosisResult struct {
	Kind      ResultKind `json:"kind"`
	Diagnosis *Diagnosis `json:"diagnosis,omitempty"`
	Failure   *Failure   `json:"failure,omitempty"`
}

// Succeeded creates a success result
func Succeeded(d Diagnosis) DiagnosisResult {
	return DiagnosisResult{Kind: ResultSuccess, Diagnosis: &d}
}

// Failed creates a failure result of the given kind
func Failed(kind ResultKind, message string, retryable bool) DiagnosisResult {
	return DiagnosisResult{
		Kind:    kind,
		Failure: &Failure{Message: message, Retryable: retryable},
	}
}

// IsSuccess reports whether the result carries a diagnosis
func (r DiagnosisResult) IsSuccess() bool {
	return r.Kind == ResultSuccess && r.Diagnosis != nil
}

// Message returns the text shown for a failure, or "" on success
func (r DiagnosisResult) Message() string {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Message
}

// ViewState is the phase of a diagnosis view
type ViewState string

const (
	StateIdle    ViewState = "idle"
	StateReady   ViewState = "ready"
	StatePending ViewState = "pending"
	StateSettled ViewState = "settled"
)

// ViewSnapshot is a consistent, read-only copy of a diagnosis view
type ViewSnapshot struct {
	State      ViewState        `json:"state"`
	Generation uint64           `json:"generation"`
	PreviewURL string           `json:"preview_url,omitempty"`
	FileName   string           `json:"file_name,omitempty"`
	Loading    bool             `json:"loading"`
	Alert      string           `json:"alert,omitempty"`
	Result     *DiagnosisResult `json:"result,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
