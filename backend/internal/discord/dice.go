package discord

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"mochigami/backend/internal/constants"
)

// DiceTier buckets a roll for the reaction word
type DiceTier int

const (
	TierLow DiceTier = iota
	TierMid
	TierHigh
	TierSuper
)

var diceWords = map[DiceTier][]string{
	TierLow:   {"床ペロ", "雑魚よのう", "寄生か？", "無能じゃ", "ゴミじゃの", "非力すぎ", "出直せ雑魚"},
	TierMid:   {"普通じゃ", "及第点じゃ", "凡夫じゃの", "無難じゃ", "まあまあ", "安泰じゃ", "悪くない"},
	TierHigh:  {"良いぞ", "高めじゃ", "期待大", "さすが", "運が良い", "追い風", "上出来"},
	TierSuper: {"天才じゃ", "凄まじい", "豪運のう", "驚きじゃ", "最高じゃ", "神引き", "震える"},
}

// ParseDiceMax reads the upper bound from a "/dice N" message. Anything but
// a positive integer means the default of 100.
func ParseDiceMax(content string) int {
	arg := strings.TrimSpace(strings.TrimPrefix(content, constants.TriggerDice))
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || strings.ContainsAny(arg, "+-") {
		return constants.DefaultDiceMax
	}
	return n
}

// TierFor buckets a rolled value. Tiers go by the value itself, not by its
// share of the maximum.
func TierFor(n int) DiceTier {
	switch {
	case n <= 35:
		return TierLow
	case n <= 70:
		return TierMid
	case n <= 90:
		return TierHigh
	default:
		return TierSuper
	}
}

func rollDie(max int) int {
	return rand.Intn(max) + 1
}

func reactionFor(n int) string {
	words := diceWords[TierFor(n)]
	return words[rand.Intn(len(words))]
}

func diceMessage(name string, n int, reaction string) string {
	return fmt.Sprintf("🔮 **%s** の目は **【 %d 】** じゃ！ 「%s」", name, n, reaction)
}

func diceSpeech(n int, reaction string) string {
	return fmt.Sprintf("%d。%s。", n, reaction)
}
