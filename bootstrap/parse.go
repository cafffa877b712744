package bootstrap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// The provider is loose about types: numbers sometimes arrive as strings.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(strings.Trim(string(b), `"`))
	if s == "" || s == "null" {
		*n = 0
		return nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("number %q: %w", s, err)
	}
	*n = number(f)

	return nil
}

func (n number) int() int {
	return int(math.Round(float64(n)))
}

type text string

func (t *text) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}

	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(s)
		return nil
	}

	*t = text(b)

	return nil
}

type payload struct {
	OK   bool `json:"ok"`
	Room struct {
		GameTimeMin        number `json:"game_time_min"`
		TimePerQuestionSec number `json:"time_per_question_sec"`
	} `json:"room"`
	Questions []row `json:"questions"`
}

type row struct {
	QuestionID text   `json:"question_id"`
	ID         text   `json:"id"`
	Tile       number `json:"tile_number"`
	Text       text   `json:"question_text"`
	ChoiceA    text   `json:"choice_a"`
	ChoiceB    text   `json:"choice_b"`
	ChoiceC    text   `json:"choice_c"`
	ChoiceD    text   `json:"choice_d"`
	Correct    number `json:"correct_index"`
}

// Parse decodes a provider payload into room data, normalizing durations to
// seconds and clamping tiles and answer indexes into range.
func Parse(body []byte) (Data, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !p.OK {
		return Data{}, ErrNotOK
	}

	d := emptyData(false)

	if secs := int(math.Round(float64(p.Room.GameTimeMin) * 60)); secs > 0 {
		d.Config.GameDurationSeconds = secs
	}
	if secs := p.Room.TimePerQuestionSec.int(); secs > 0 {
		d.Config.PerQuestionSeconds = secs
	}

	for _, r := range p.Questions {
		q := strings.TrimSpace(string(r.Text))
		if q == "" {
			continue
		}

		id := string(r.QuestionID)
		if id == "" {
			id = string(r.ID)
		}
		if id == "" {
			id = uuid.NewString()
		}

		tile := clamp(r.Tile.int(), 0, LastTile)
		d.Questions[tile] = Question{
			ID:      id,
			Tile:    tile,
			Text:    q,
			Choices: [4]string{string(r.ChoiceA), string(r.ChoiceB), string(r.ChoiceC), string(r.ChoiceD)},
			Correct: clamp(r.Correct.int(), 0, 3),
		}
	}

	return d, nil
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
