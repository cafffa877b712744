package room

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Seednode/partyboard/bootstrap"
)

// Inbound message types
const (
	TypeRollRequest  = "roll.request"
	TypeTurnSkip     = "turn.skip"
	TypeAnswerSubmit = "answer.submit"
	TypeGameTimeup   = "game.timeup"
)

// Code is the stable error code reported to a client whose request was
// refused. Clients are expected to retry later.
type Code string

const (
	CodeMissingUIDOrRoom Code = "missing_uid_or_room"
	CodeNotYourTurn      Code = "not_your_turn"
	CodeTurnBusy         Code = "turn_busy"
	CodeRollInFlight     Code = "roll_in_flight"
	CodeQuestionPending  Code = "question_pending"
	CodeGameOver         Code = "game_over"
)

// ID accepts a room id sent either as a JSON number or a numeric string.
type ID int

func (id *ID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*id = 0
		return nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("room id %q: %w", s, err)
	}
	*id = ID(n)

	return nil
}

// Inbound is any message a player sends on the game socket.
type Inbound struct {
	Type        string `json:"type"`
	RoomID      ID     `json:"room_id"`
	QID         string `json:"qid,omitempty"`
	ChoiceIndex *int   `json:"choice_index,omitempty"`
}

type PlayerView struct {
	UID       string `json:"uid"`
	Position  int    `json:"position"`
	Score     int    `json:"score"`
	Connected bool   `json:"connected"`
}

// StateSync is sent to a single client right after it (re)connects.
type StateSync struct {
	Type          string           `json:"type"` // "state.sync"
	RoomID        int              `json:"room_id"`
	Players       []PlayerView     `json:"players"`
	TurnUID       string           `json:"turnUid"`
	Config        bootstrap.Config `json:"config"`
	AnsweredTiles []int            `json:"answeredTiles"`
	GameOver      bool             `json:"game_over"`
}

type RollResult struct {
	Type string `json:"type"` // "roll.result"
	UID  string `json:"uid"`
	Roll int    `json:"roll"`
}

type MoveCommit struct {
	Type string `json:"type"` // "move.commit"
	UID  string `json:"uid"`
	From int    `json:"from"`
	To   int    `json:"to"`
}

type QuestionShow struct {
	Type      string    `json:"type"` // "question.show"
	UID       string    `json:"uid"`
	TileIndex int       `json:"tile_index"`
	QID       string    `json:"qid"`
	Q         string    `json:"q"`
	Choices   [4]string `json:"choices"`
	TimeSec   int       `json:"time_sec"`
	Passive   bool      `json:"passive,omitempty"`
}

type AnswerResult struct {
	Type          string         `json:"type"` // "answer.result"
	UID           string         `json:"uid"`
	Correct       bool           `json:"correct"`
	TileIndex     int            `json:"tile_index"`
	Scores        map[string]int `json:"scores"`
	AnsweredTiles []int          `json:"answeredTiles"`
	TurnUID       string         `json:"turnUid"`
}

type TurnUpdate struct {
	Type    string `json:"type"` // "turn.update"
	TurnUID string `json:"turnUid"`
}

type GameOver struct {
	Type string `json:"type"` // "game.over"
}

type ErrorMessage struct {
	Type  string `json:"type"` // "error"
	Error Code   `json:"error"`
}

func NewError(code Code) ErrorMessage {
	return ErrorMessage{Type: "error", Error: code}
}
