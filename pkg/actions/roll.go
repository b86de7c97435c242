package actions

import (
	"context"
	"encoding/json"

	"github.com/strophon/actionserver/pkg/action"
	"github.com/strophon/actionserver/pkg/contracts"
)

// Roll throws dice for everyone to see. Constants.Max is the number of
// sides; "maxDice" caps how many dice one request may throw.
type Roll struct {
	action.Base
	dice int
}

func (a *Roll) NeedsRandomNumbers() bool { return true }

func (a *Roll) CheckInputFields() {
	var p struct {
		Dice int `json:"dice"`
	}
	if err := a.Input().DecodePayload(&p); err != nil {
		a.Fail("Invalid payload")
		return
	}
	if p.Dice == 0 {
		p.Dice = 1
	}
	if p.Dice < 0 || int64(p.Dice) > a.Constants().Int("maxDice", 10) {
		a.Fail("Invalid number of dice")
		return
	}
	a.dice = p.Dice
}

func (a *Roll) FetchAndLockDataObjects(ctx context.Context) (*action.Injection, error) {
	u, err := a.DataIO().GetUser(ctx, a.Input().UserID, false)
	if err != nil {
		return nil, err
	}
	return action.NewInjection(u, nil), nil
}

func (a *Roll) PerformAction() *contracts.Result {
	sides := int(a.Constants().Max())
	faces := make([]int, a.dice)
	total := 0
	for i := range faces {
		faces[i] = a.Randomizer().IntN(sides) + 1
		total += faces[i]
	}

	data, _ := json.Marshal(map[string]any{"type": "roll", "user": a.Input().UserID, "faces": faces, "total": total})
	a.Emit(&contracts.Event{OtherUserID: contracts.UserRef(a.Input().UserID), Data: string(data)})

	out, _ := json.Marshal(faces)
	a.Result().Result = string(out)
	return a.Result()
}
