package message

import "slices"

type Reaction struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// ToggleReaction adds userID to the emoji's reaction or removes it if the
// user already reacted. Reactions that drop to zero are removed. The input
// slice is not modified.
func ToggleReaction(reactions []Reaction, emoji, userID string) []Reaction {
	out := make([]Reaction, 0, len(reactions)+1)
	found := false
	for _, r := range reactions {
		r.Users = append([]string(nil), r.Users...)
		if r.Emoji == emoji {
			found = true
			if i := slices.Index(r.Users, userID); i >= 0 {
				r.Users = slices.Delete(r.Users, i, i+1)
			} else {
				r.Users = append(r.Users, userID)
			}
			r.Count = len(r.Users)
		}
		if r.Count > 0 {
			out = append(out, r)
		}
	}
	if !found {
		out = append(out, Reaction{Emoji: emoji, Users: []string{userID}, Count: 1})
	}
	return out
}
