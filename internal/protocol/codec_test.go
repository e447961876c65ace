package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBareStringZeroArgument(t *testing.T) {
	req, err := Parse([]byte(`{"request_id":"r1","input":"Interrupt"}`))
	require.NoError(t, err)
	assert.Equal(t, InputInterrupt, req.Input.Kind)
}

func TestParseZeroArgumentNullForm(t *testing.T) {
	req, err := Parse([]byte(`{"request_id":"r1","input":{"GetCommands":null}}`))
	require.NoError(t, err)
	assert.Equal(t, InputGetCommands, req.Input.Kind)
}

func TestParseTextVariant(t *testing.T) {
	req, err := Parse([]byte(`{"request_id":"r1","input":{"Text":"hello"},"stream":true,"use_tools":true}`))
	require.NoError(t, err)
	assert.Equal(t, InputText, req.Input.Kind)
	assert.Equal(t, "hello", req.Input.Text)
	assert.True(t, req.Stream)
	assert.True(t, req.UseTools)
}

func TestParseRejectsNonZeroArgumentBareString(t *testing.T) {
	_, err := Parse([]byte(`{"request_id":"r1","input":"Text"}`))
	require.Error(t, err)
}

func TestParseMissingRequestID(t *testing.T) {
	_, err := Parse([]byte(`{"input":"Interrupt"}`))
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Empty(t, pe.RecoveredID)
}

func TestParseMalformedRecoversRequestID(t *testing.T) {
	_, err := Parse([]byte(`{"request_id":"r9","input":{`))
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "r9", pe.RecoveredID)
}

func TestSerializeTextResponse(t *testing.T) {
	resp := Response{RequestID: "r1", Response: TextResponse("hi")}
	data, err := Serialize(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"request_id":"r1","response":{"Text":"hi"}}`, string(data))
}

func TestSerializeCompleteResponse(t *testing.T) {
	resp := Response{RequestID: "r1", Response: CompleteResponse(&TokenUsage{TotalTokens: 5}, true)}
	data, err := Serialize(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"request_id":"r1","response":{"Complete":{"token_usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":5},"interrupted":true}}}`, string(data))
}

func TestParseToolConfirmationResponse(t *testing.T) {
	raw := `{"request_id":"r2","input":{"ToolConfirmationResponse":{"name":"run_command","arguments":{"command":"ls"},"approved":true}}}`
	req, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, InputToolConfirmationResponse, req.Input.Kind)
	require.NotNil(t, req.Input.ToolConfirmation)
	assert.Equal(t, "run_command", req.Input.ToolConfirmation.Name)
	assert.True(t, req.Input.ToolConfirmation.Approved)
}
