package song

import (
	"fmt"
	"strconv"
)

var pitchNames = [...]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// NoteNumToPitch 把音符编号转换为音名，24 = C1，60 = C4。
func NoteNumToPitch(noteNum int) string {
	return pitchNames[noteNum%12] + strconv.Itoa(noteNum/12-1)
}

// PitchToNoteNum 把 "C4"、"F#5" 形式的音名转换为音符编号。
func PitchToNoteNum(pitch string) (int, error) {
	if len(pitch) < 2 || len(pitch) > 3 {
		return 0, fmt.Errorf("无效的音名: %q", pitch)
	}
	key, octaveStr := pitch[:len(pitch)-1], pitch[len(pitch)-1:]
	octave, err := strconv.Atoi(octaveStr)
	if err != nil || octave < 0 {
		return 0, fmt.Errorf("无效的音名: %q", pitch)
	}
	for i, name := range pitchNames {
		if name == key {
			return (octave+1)*12 + i, nil
		}
	}
	return 0, fmt.Errorf("无效的音名: %q", pitch)
}
