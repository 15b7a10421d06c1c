package protocol

import (
	"encoding/json"
	"fmt"
)

type ResponseType string

const (
	ResponseTypeNewJob    ResponseType = "NEW_JOB"
	ResponseTypeContinue  ResponseType = "CONTINUE"
	ResponseTypeWait      ResponseType = "WAIT"
	ResponseTypeTerminate ResponseType = "TERMINATE"
)

// HeartbeatResponse is one of NewJobResponse, ContinueResponse, WaitResponse
// or TerminateResponse.
type HeartbeatResponse interface {
	Type() ResponseType
	isHeartbeatResponse()
}

type NewJobResponse struct {
	CLIArgs string
}

type ContinueResponse struct{}

type WaitResponse struct{}

type TerminateResponse struct{}

func (NewJobResponse) Type() ResponseType    { return ResponseTypeNewJob }
func (ContinueResponse) Type() ResponseType  { return ResponseTypeContinue }
func (WaitResponse) Type() ResponseType      { return ResponseTypeWait }
func (TerminateResponse) Type() ResponseType { return ResponseTypeTerminate }

func (NewJobResponse) isHeartbeatResponse()    {}
func (ContinueResponse) isHeartbeatResponse()  {}
func (WaitResponse) isHeartbeatResponse()      {}
func (TerminateResponse) isHeartbeatResponse() {}

type responseEnvelope struct {
	Type    ResponseType `json:"type"`
	CLIArgs string       `json:"cliArgs,omitempty"`
}

func MarshalResponse(r HeartbeatResponse) ([]byte, error) {
	env := responseEnvelope{Type: r.Type()}
	if job, ok := r.(NewJobResponse); ok {
		env.CLIArgs = job.CLIArgs
	}
	return json.Marshal(env)
}

func UnmarshalResponse(data []byte) (HeartbeatResponse, error) {
	var env responseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	switch env.Type {
	case ResponseTypeNewJob:
		return NewJobResponse{CLIArgs: env.CLIArgs}, nil
	case ResponseTypeContinue:
		return ContinueResponse{}, nil
	case ResponseTypeWait:
		return WaitResponse{}, nil
	case ResponseTypeTerminate:
		return TerminateResponse{}, nil
	}
	return nil, fmt.Errorf("unknown heartbeat response type: %q", env.Type)
}
