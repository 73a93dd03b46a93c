package session

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStrikesNeverDecrease(t *testing.T) {
	s := New("iv-1", "resume-1", LevelMid, 2)

	assert.True(t, s.RecordStrike(1))
	assert.False(t, s.RecordStrike(0))
	assert.Equal(t, 1, s.Strikes())

	assert.True(t, s.RecordStrike(5))
	assert.Equal(t, 2, s.Strikes(), "capped at max strikes")
}

func TestSessionLifecycleTimes(t *testing.T) {
	s := New("iv-2", "resume-1", LevelFresher, 0)
	assert.Equal(t, 2, s.MaxStrikes)
	assert.Equal(t, StateConnecting, s.State())
	assert.Zero(t, s.Duration())

	s.SetState(StateActive)
	s.SetState(StateWarned)
	s.SetState(StateCompleted)

	snap := s.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.False(t, snap.StartTime.IsZero())
	assert.False(t, snap.EndTime.Before(snap.StartTime))
}

func TestTranscriptAndQuestions(t *testing.T) {
	s := New("iv-3", "resume-1", LevelSenior, 2)
	s.AppendTranscript(SpeakerAgent, "Tell me about yourself?")
	s.AppendTranscript(SpeakerCandidate, "I build things.")
	s.AppendTranscript(SpeakerAgent, "Great.")
	s.AppendTranscript(SpeakerAgent, "   ")
	s.AppendTranscript(SpeakerAgent, "What was the hardest bug you fixed?")

	assert.Len(t, s.Transcript(), 4)
	assert.Equal(t, 2, s.QuestionsAsked())
}

func TestTerminationReasonFirstWins(t *testing.T) {
	s := New("iv-4", "resume-1", LevelJunior, 2)
	s.SetTerminationReason("cheating")
	s.SetTerminationReason("other")
	assert.Equal(t, "cheating", s.TerminationReason())
}

func TestParseExperienceLevel(t *testing.T) {
	level, err := ParseExperienceLevel(" Senior ")
	require.NoError(t, err)
	assert.Equal(t, LevelSenior, level)

	level, err = ParseExperienceLevel("")
	require.NoError(t, err)
	assert.Equal(t, LevelFresher, level)

	_, err = ParseExperienceLevel("wizard")
	assert.ErrorIs(t, err, ErrInvalidExperienceLevel)
}

func TestStateHelpers(t *testing.T) {
	for _, st := range []State{StateTerminated, StateCompleted, StateDisconnected} {
		assert.True(t, st.IsFinal(), st.String())
	}
	assert.False(t, StateTerminating.IsFinal())
	assert.True(t, StateWarned.IsLive())
	assert.Equal(t, StatusTerminated, StatusFor(StateTerminated))

	raw, err := json.Marshal(map[string]State{"state": StateWarned})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"warned"}`, string(raw))
}

func TestRecorderStatsAndClose(t *testing.T) {
	r := NewRecorder("iv-5")
	r.RecordEvent(EventConnect, nil)
	r.RecordInbound(16384, true)
	r.RecordInbound(16384, false)
	r.RecordInbound(16384, false)
	r.RecordInbound(16384, true)
	r.RecordOutbound(4800)
	r.RecordEvent(EventBargeIn, nil)
	r.RecordError(errors.New("backend hiccup"), nil)
	r.RecordClose(CloseTerminated, "cheating")
	r.RecordEvent(EventWarning, nil)

	stats := r.Stats()
	assert.Equal(t, int64(4), stats.FramesIn)
	assert.Equal(t, int64(2), stats.SpeechFrames)
	assert.InDelta(t, 50.0, stats.FilterRate, 1e-9)
	assert.Equal(t, int64(1), stats.BargeIns)

	events := r.Events()
	require.Len(t, events, 4, "events after close are dropped")
	assert.Equal(t, EventClose, events[3].Type)
	assert.Equal(t, CloseTerminated, events[3].CloseCode)

	raw, err := r.ExportJSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"frames_in": 4`)
}
