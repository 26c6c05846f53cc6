package anidb

import "strconv"

// ReturnCode is the 3-digit status that starts every AniDB response.
type ReturnCode int

const (
	CodeLoginAccepted           ReturnCode = 200
	CodeLoginAcceptedNewVersion ReturnCode = 201
	CodeLoggedOut               ReturnCode = 203
	CodeFile                    ReturnCode = 220
	CodePong                    ReturnCode = 300
	CodeNoSuchFile              ReturnCode = 320
	CodeNotLoggedIn             ReturnCode = 403
	CodeLoginFailed             ReturnCode = 500
	CodeLoginFirst              ReturnCode = 501
	CodeAccessDenied            ReturnCode = 502
	CodeClientVersionOutdated   ReturnCode = 503
	CodeClientBanned            ReturnCode = 504
	CodeIllegalInput            ReturnCode = 505
	CodeInvalidSession          ReturnCode = 506
	CodeBanned                  ReturnCode = 555
	CodeUnknownCommand          ReturnCode = 598
	CodeInternalServerError     ReturnCode = 600
	CodeOutOfService            ReturnCode = 601
	CodeServerBusy              ReturnCode = 602
	CodeTimeoutResubmit         ReturnCode = 604
)

var codeNames = map[ReturnCode]string{
	CodeLoginAccepted:           "LOGIN_ACCEPTED",
	CodeLoginAcceptedNewVersion: "LOGIN_ACCEPTED_NEW_VERSION",
	CodeLoggedOut:               "LOGGED_OUT",
	CodeFile:                    "FILE",
	CodePong:                    "PONG",
	CodeNoSuchFile:              "NO_SUCH_FILE",
	CodeNotLoggedIn:             "NOT_LOGGED_IN",
	CodeLoginFailed:             "LOGIN_FAILED",
	CodeLoginFirst:              "LOGIN_FIRST",
	CodeAccessDenied:            "ACCESS_DENIED",
	CodeClientVersionOutdated:   "CLIENT_VERSION_OUTDATED",
	CodeClientBanned:            "CLIENT_BANNED",
	CodeIllegalInput:            "ILLEGAL_INPUT_OR_ACCESS_DENIED",
	CodeInvalidSession:          "INVALID_SESSION",
	CodeBanned:                  "BANNED",
	CodeUnknownCommand:          "UNKNOWN_COMMAND",
	CodeInternalServerError:     "INTERNAL_SERVER_ERROR",
	CodeOutOfService:            "ANIDB_OUT_OF_SERVICE",
	CodeServerBusy:              "SERVER_BUSY",
	CodeTimeoutResubmit:         "TIMEOUT_DELAY_AND_RESUBMIT",
}

func (c ReturnCode) String() string {
	if n, ok := codeNames[c]; ok {
		return strconv.Itoa(int(c)) + " " + n
	}
	return strconv.Itoa(int(c))
}

// kind classifies a code that a request did not expect.
func (c ReturnCode) kind() ErrorKind {
	switch c {
	case CodeLoginFirst, CodeInvalidSession, CodeNotLoggedIn:
		return KindSession
	case CodeBanned, CodeClientBanned:
		return KindBanned
	case CodeLoginFailed, CodeClientVersionOutdated:
		return KindAuth
	case CodeNoSuchFile:
		return KindNotFound
	case CodeAccessDenied, CodeIllegalInput, CodeUnknownCommand:
		return KindRejected
	default:
		return KindMalformed
	}
}
