package contracts

import (
	"encoding/json"
	"strings"
)

// Authority is a named permission level. Levels are ordered; USER is the
// baseline every authenticated user holds.
type Authority string

const (
	AuthorityUser      Authority = "USER"
	AuthorityModerator Authority = "MODERATOR"
	AuthorityAdmin     Authority = "ADMIN"
)

var authorityRank = map[Authority]int{
	AuthorityUser:      0,
	AuthorityModerator: 1,
	AuthorityAdmin:     2,
}

// ExceedsBaseline reports whether holding a plain user account is not enough
// for a.
func (a Authority) ExceedsBaseline() bool {
	if a == "" {
		return false
	}
	rank, ok := authorityRank[a]
	return !ok || rank > authorityRank[AuthorityUser]
}

// User is the persisted account record. Authorities holds a JSON array of
// authority names.
type User struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	SecretToken    string `json:"secretToken,omitempty"`
	AuthBlob       []byte `json:"authBlob,omitempty"`
	Email          string `json:"email,omitempty"`
	Authorities    string `json:"authorities,omitempty"`
	EmailConfirmed bool   `json:"emailConfirmed"`
	EmailToken     string `json:"emailToken,omitempty"`
	RecoveryToken  string `json:"recoveryToken,omitempty"`
}

// AuthoritySet decodes Authorities. An empty field decodes to an empty set.
func (u *User) AuthoritySet() (map[Authority]struct{}, error) {
	set := make(map[Authority]struct{})
	if u == nil || strings.TrimSpace(u.Authorities) == "" {
		return set, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(u.Authorities), &names); err != nil {
		return nil, err
	}
	for _, n := range names {
		set[Authority(n)] = struct{}{}
	}
	return set, nil
}

// HasAuthority reports whether the decoded authority set contains a.
// Undecodable authority data grants nothing.
func (u *User) HasAuthority(a Authority) bool {
	set, err := u.AuthoritySet()
	if err != nil {
		return false
	}
	_, ok := set[a]
	return ok
}

// EncodeAuthorities produces the serialized form stored in User.Authorities.
func EncodeAuthorities(auths ...Authority) string {
	names := make([]string, 0, len(auths))
	for _, a := range auths {
		names = append(names, string(a))
	}
	b, _ := json.Marshal(names)
	return string(b)
}
