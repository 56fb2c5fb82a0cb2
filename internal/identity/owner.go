// Package identity builds the canonical owner identity used for event keys.
//
// Identity resolution is conservative: a reporting owner CIK always wins;
// otherwise a normalized-name hash is used. No fuzzy matching.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/aristath/insiderscope/internal/domain"
)

var suffixes = map[string]bool{
	"jr": true, "sr": true,
	"ii": true, "iii": true, "iv": true, "v": true,
	"md": true, "phd": true, "cpa": true, "esq": true,
}

var entityTokens = map[string]bool{
	"llc": true, "inc": true, "ltd": true, "lp": true, "llp": true,
	"plc": true, "corp": true, "corporation": true, "company": true,
	"co": true, "partners": true, "holdings": true, "trust": true,
	"foundation": true, "capital": true, "management": true,
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Owner is the canonical identity of a reporting owner.
type Owner struct {
	OwnerKey          string
	OwnerCIK          string // "" when missing
	NameRaw           string
	NameNormalized    string
	NameHash          string
	IsEntityNameGuess bool
}

// Sha256Hex returns the lowercase hex SHA-256 of s.
func Sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// NormalizeCIK returns the 10-digit zero-padded owner CIK, or "" when the
// input is blank or contains no digits.
func NormalizeCIK(ownerCIK string) string {
	return domain.ZeroPadCIK(ownerCIK)
}

func basicNameNorm(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonAlnum.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeName normalizes an owner name for hashing. Returns the
// normalized name ("" when unusable) and whether the tokens look like a
// legal entity rather than a person.
func NormalizeName(nameRaw string) (string, bool) {
	raw := strings.TrimSpace(nameRaw)
	if raw == "" {
		return "", false
	}

	var s string
	// "LAST, FIRST M" handling: only when a comma exists in the raw name.
	if idx := strings.Index(raw, ","); idx >= 0 {
		left := basicNameNorm(raw[:idx])
		right := basicNameNorm(raw[idx+1:])
		if left != "" && right != "" {
			s = strings.TrimSpace(right + " " + left)
		} else {
			s = basicNameNorm(raw)
		}
	} else {
		s = basicNameNorm(raw)
	}

	if s == "" {
		return "", false
	}

	tokens := strings.Fields(s)

	// Suffix stripping, from the end only.
	for len(tokens) > 0 && suffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}

	isEntity := false
	for _, tok := range tokens {
		if entityTokens[tok] {
			isEntity = true
			break
		}
	}

	return strings.Join(tokens, " "), isEntity
}

// BuildOwner builds the canonical owner identity from a Form 4 reporting
// owner block. A valid CIK wins; a normalized name hash is the fallback;
// a fixed unknown key covers filings with neither.
func BuildOwner(ownerCIK, nameRaw string) Owner {
	cik := NormalizeCIK(ownerCIK)
	normName, isEntity := NormalizeName(nameRaw)

	if cik != "" {
		nameHash := ""
		if normName != "" {
			nameHash = Sha256Hex(normName)
		}
		return Owner{
			OwnerKey:          cik,
			OwnerCIK:          cik,
			NameRaw:           nameRaw,
			NameNormalized:    normName,
			NameHash:          nameHash,
			IsEntityNameGuess: isEntity,
		}
	}

	if normName != "" {
		nameHash := Sha256Hex(normName)
		return Owner{
			OwnerKey:          "namehash:" + nameHash,
			NameRaw:           nameRaw,
			NameNormalized:    normName,
			NameHash:          nameHash,
			IsEntityNameGuess: isEntity,
		}
	}

	return Owner{
		OwnerKey: "unknown:" + Sha256Hex("unknown_owner"),
		NameRaw:  nameRaw,
	}
}
