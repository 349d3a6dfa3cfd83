package session

import (
	"sort"
	"strings"

	"socialbox/pkg/types"
)

// Flag is one token of a session checklist.
type Flag string

// Umbrella gates. At most one is present on a session.
const (
	RegistrationRequired   Flag = "REGISTRATION_REQUIRED"
	AuthenticationRequired Flag = "AUTHENTICATION_REQUIRED"
)

// Registration leaves.
const (
	SetPassword            Flag = "SET_PASSWORD"
	SetOTP                 Flag = "SET_OTP"
	SetDisplayName         Flag = "SET_DISPLAY_NAME"
	SetDisplayPicture      Flag = "SET_DISPLAY_PICTURE"
	SetFirstName           Flag = "SET_FIRST_NAME"
	SetMiddleName          Flag = "SET_MIDDLE_NAME"
	SetLastName            Flag = "SET_LAST_NAME"
	SetEmail               Flag = "SET_EMAIL"
	SetPhone               Flag = "SET_PHONE"
	SetBirthday            Flag = "SET_BIRTHDAY"
	SetURL                 Flag = "SET_URL"
	VerPrivacyPolicy       Flag = "VER_PRIVACY_POLICY"
	VerTermsOfService      Flag = "VER_TERMS_OF_SERVICE"
	VerCommunityGuidelines Flag = "VER_COMMUNITY_GUIDELINES"
	VerEmail               Flag = "VER_EMAIL"
	VerSMS                 Flag = "VER_SMS"
	VerPhoneCall           Flag = "VER_PHONE_CALL"
	VerImageCaptcha        Flag = "VER_IMAGE_CAPTCHA"
)

// Authentication leaves. VerImageCaptcha may be demanded by either gate.
const (
	VerPassword  Flag = "VER_PASSWORD"
	VerOTP       Flag = "VER_OTP"
	VerSignature Flag = "VER_SIGNATURE"
)

var requiredLeaves = map[Flag][]Flag{
	RegistrationRequired: {
		SetPassword, SetOTP, SetDisplayName, SetDisplayPicture,
		SetFirstName, SetMiddleName, SetLastName, SetEmail, SetPhone, SetBirthday, SetURL,
		VerPrivacyPolicy, VerTermsOfService, VerCommunityGuidelines,
		VerEmail, VerSMS, VerPhoneCall, VerImageCaptcha,
	},
	AuthenticationRequired: {
		VerPassword, VerOTP, VerSignature, VerImageCaptcha,
	},
}

// Gates lists the umbrella flags.
func Gates() []Flag {
	return []Flag{RegistrationRequired, AuthenticationRequired}
}

// RequiredLeaves returns the leaves that keep gate open. It returns nil for
// anything that is not a gate.
func RequiredLeaves(gate Flag) []Flag {
	leaves, ok := requiredLeaves[gate]
	if !ok {
		return nil
	}
	out := make([]Flag, len(leaves))
	copy(out, leaves)
	return out
}

// IsUmbrella reports whether f is a gate.
func (f Flag) IsUmbrella() bool {
	_, ok := requiredLeaves[f]
	return ok
}

// IsLeaf reports whether f belongs to some gate's required set.
func (f Flag) IsLeaf() bool {
	for _, leaves := range requiredLeaves {
		for _, l := range leaves {
			if l == f {
				return true
			}
		}
	}
	return false
}

// Valid reports whether f is part of the vocabulary.
func (f Flag) Valid() bool {
	return f.IsUmbrella() || f.IsLeaf()
}

// Contains reports whether flags holds f.
func Contains(flags []Flag, f Flag) bool {
	for _, x := range flags {
		if x == f {
			return true
		}
	}
	return false
}

// ContainsAny reports whether flags holds any of want.
func ContainsAny(flags []Flag, want ...Flag) bool {
	for _, f := range want {
		if Contains(flags, f) {
			return true
		}
	}
	return false
}

// GateComplete reports whether none of gate's required leaves remain.
func GateComplete(flags []Flag, gate Flag) bool {
	return !ContainsAny(flags, requiredLeaves[gate]...)
}

// IsComplete is true when every gate present has no required leaf left.
func IsComplete(flags []Flag) bool {
	for _, gate := range Gates() {
		if Contains(flags, gate) && !GateComplete(flags, gate) {
			return false
		}
	}
	return true
}

// Remove returns flags minus removed. The input is not modified.
func Remove(flags []Flag, removed ...Flag) []Flag {
	out := make([]Flag, 0, len(flags))
	for _, f := range flags {
		if !Contains(removed, f) {
			out = append(out, f)
		}
	}
	return out
}

// Sorted returns a sorted copy, gates first.
func Sorted(flags []Flag) []Flag {
	out := make([]Flag, len(flags))
	copy(out, flags)
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsUmbrella() != out[j].IsUmbrella() {
			return out[i].IsUmbrella()
		}
		return out[i] < out[j]
	})
	return out
}

// Strings converts flags to their token strings.
func Strings(flags []Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}

// Join serializes flags as a comma-separated list.
func Join(flags []Flag) string {
	return strings.Join(Strings(flags), ",")
}

// ParseFlags parses a comma-separated list. Unknown tokens are rejected.
func ParseFlags(s string) ([]Flag, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var flags []Flag
	for _, tok := range strings.Split(s, ",") {
		f := Flag(strings.TrimSpace(tok))
		if !f.Valid() {
			return nil, types.Errorf(types.KindInvalidFormat, "unknown session flag %q", tok)
		}
		if !Contains(flags, f) {
			flags = append(flags, f)
		}
	}
	return flags, nil
}

func validateLeaves(flags []Flag) error {
	for _, f := range flags {
		if !f.IsLeaf() {
			return types.Errorf(types.KindBadRequest, "%q is not a removable session flag", f)
		}
	}
	return nil
}
