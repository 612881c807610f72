package movement

// Servo channels on the movement controller. The torso servo lifts and
// drops the center mass; the arm servos swing the side panels.
const (
	chTorso    = "0"
	chLeftArm  = "1"
	chRightArm = "2"
)

// Neutral pulse width in microseconds.
const pulseNeutral = 1500

// keyframe is one routine step before stamping. Pulse widths are
// microseconds; durations are the device-side movement time.
type keyframe struct {
	channels     map[string]int
	durationMs   int
	holdMs       int
	disableAfter bool
}

// routine is a named servo sequence.
type routine struct {
	name   string
	frames []keyframe
}

// routines holds every named sequence the worker accepts on
// movement/command.
var routines = map[string]routine{
	"reset": {
		name: "reset",
		frames: []keyframe{
			{
				channels:     map[string]int{chTorso: pulseNeutral, chLeftArm: pulseNeutral, chRightArm: pulseNeutral},
				durationMs:   600,
				disableAfter: true,
			},
		},
	},
	"wave": {
		name: "wave",
		frames: []keyframe{
			{channels: map[string]int{chRightArm: 2200}, durationMs: 400, holdMs: 100},
			{channels: map[string]int{chRightArm: 1800}, durationMs: 250, holdMs: 50},
			{channels: map[string]int{chRightArm: 2200}, durationMs: 250, holdMs: 100},
			{
				channels:     map[string]int{chRightArm: pulseNeutral},
				durationMs:   400,
				disableAfter: true,
			},
		},
	},
	"bow": {
		name: "bow",
		frames: []keyframe{
			{
				channels:   map[string]int{chTorso: 1200, chLeftArm: 1800, chRightArm: 1800},
				durationMs: 500,
				holdMs:     600,
			},
			{
				channels:     map[string]int{chTorso: pulseNeutral, chLeftArm: pulseNeutral, chRightArm: pulseNeutral},
				durationMs:   500,
				disableAfter: true,
			},
		},
	},
	"step_forward": {
		name: "step_forward",
		frames: []keyframe{
			{channels: map[string]int{chTorso: 1850}, durationMs: 350},
			{channels: map[string]int{chLeftArm: 1950, chRightArm: 1950}, durationMs: 300, holdMs: 50},
			{channels: map[string]int{chTorso: 1150}, durationMs: 350},
			{channels: map[string]int{chLeftArm: pulseNeutral, chRightArm: pulseNeutral}, durationMs: 300},
			{
				channels:     map[string]int{chTorso: pulseNeutral},
				durationMs:   350,
				disableAfter: true,
			},
		},
	},
}
