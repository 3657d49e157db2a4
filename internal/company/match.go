package company

import (
	"strconv"
	"strings"
	"unicode"

	xerrors "OpenMCP-Hub/internal/errors"
)

// MatchRole 返回能力关键词出现在步骤描述中的第一个角色，按声明顺序。
func (c *Company) MatchRole(step string) (Role, error) {
	words := tokenize(step)
	for _, role := range c.Roles {
		for _, capability := range role.Capabilities {
			if containsPhrase(words, tokenize(capability)) {
				return role, nil
			}
		}
	}
	return Role{}, xerrors.New(CodeNoMatchingRole, "", xerrors.WithField("step", step))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// containsPhrase 判断 phrase 是否作为连续词组出现在 words 中。
func containsPhrase(words, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(words) {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		match := true
		for j, p := range phrase {
			if words[i+j] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func itoa(i int) string { return strconv.Itoa(i) }
