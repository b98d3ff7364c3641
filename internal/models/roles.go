package models

// Role is one of the seven fixed Avalon roles.
type Role string

const (
	RoleMerlin   Role = "Merlin"
	RolePercival Role = "Percival"
	RoleKnight   Role = "Knight"
	RoleMorgana  Role = "Morgana"
	RoleAssassin Role = "Assassin"
	RoleOberon   Role = "Oberon"
)

// Team is the side a Role belongs to.
type Team string

const (
	TeamBlue Team = "blue"
	TeamRed  Team = "red"
)

// TeamOf returns the side a role plays for.
func TeamOf(r Role) Team {
	switch r {
	case RoleMerlin, RolePercival, RoleKnight:
		return TeamBlue
	default:
		return TeamRed
	}
}

// RoleTable is the fixed 7-player role assignment: Merlin, Percival, two
// Knights, Morgana, Assassin, Oberon. Two Knight seats are how the game
// reaches 4 Blues against 3 Reds; this is intentional (see DESIGN.md).
var RoleTable = []Role{
	RoleMerlin, RolePercival, RoleKnight, RoleKnight,
	RoleMorgana, RoleAssassin, RoleOberon,
}

// HearingRadius is the Chebyshev distance within which a speaker's limited
// speech is delivered. Oberon shares Knight's radius of 2; this benefits Red
// asymmetrically and is intentional (see DESIGN.md), not a transcription
// error of the role table.
func HearingRadius(r Role) int {
	switch r {
	case RoleKnight, RoleOberon:
		return 2
	default:
		return 1
	}
}

// PlayerCount is the fixed number of seats in a game.
const PlayerCount = 7

// MapSize is the width and height of the square grid players move on.
const MapSize = 9

// MissionRoundCount is the maximum number of mission rounds played.
const MissionRoundCount = 5

// MaxProposalsPerRound is the number of team-proposal ballots before the
// last proposed team is force-executed.
const MaxProposalsPerRound = 5

// WinsRequired is the number of mission wins needed to end the game for a side.
const WinsRequired = 3

// TeamSizes gives the number of mission members proposed in round r (1-indexed).
var TeamSizes = [MissionRoundCount]int{2, 3, 3, 4, 4}

// TwoFailsRequired reports whether round r (1-indexed) requires two Fail
// votes to fail the mission, rather than one.
func TwoFailsRequired(round int) bool {
	return round == 3 || round == 4
}
