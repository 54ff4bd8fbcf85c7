package pagination

// Reason is why a pagination run reached its terminal state.
type Reason string

const (
	ReasonTargetReached    Reason = "target-reached"
	ReasonNoNextPage       Reason = "no-next-page"
	ReasonStalled          Reason = "stalled"
	ReasonNavigationFailed Reason = "navigation-failed"
	ReasonPageLimit        Reason = "page-limit"
	ReasonDeadline         Reason = "deadline"
)

// Confidence qualifies a stalled or failed conclusion.
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

// State is owned by one Controller. Callers read it through the accessors.
type State struct {
	currentPage           int
	itemsCollected        int
	target                int
	consecutiveEmptyPages int
	visited               map[string]struct{}
	duplicates            int

	// Unproductive pages are split by whether any page of this session had
	// produced items before them.
	productivePages  int
	suspectStructure int
	transient        int
	navFailures      int
	// navigation failures within the current empty streak
	streakNavFailures int

	done   bool
	reason Reason
}

func newState(target int) *State {
	return &State{
		target:  target,
		visited: make(map[string]struct{}),
	}
}

func (s *State) CurrentPage() int           { return s.currentPage }
func (s *State) ItemsCollected() int        { return s.itemsCollected }
func (s *State) Target() int                { return s.target }
func (s *State) ConsecutiveEmptyPages() int { return s.consecutiveEmptyPages }
func (s *State) Duplicates() int            { return s.duplicates }
func (s *State) Done() bool                 { return s.done }
func (s *State) Reason() Reason             { return s.reason }

func (s *State) Seen(key string) bool {
	_, ok := s.visited[key]
	return ok
}

// TargetReached reports whether a positive target has been met.
func (s *State) TargetReached() bool {
	return s.target > 0 && s.itemsCollected >= s.target
}

// Diagnosis separates failures that look like a changed page structure from
// failures after the session had already worked.
type Diagnosis struct {
	ProductivePages  int        `json:"productive_pages"`
	SuspectStructure int        `json:"suspect_structure_pages"`
	Transient        int        `json:"transient_pages"`
	NavFailures      int        `json:"navigation_failures"`
	Confidence       Confidence `json:"confidence"`
}

func (s *State) Diagnosis() Diagnosis {
	d := Diagnosis{
		ProductivePages:  s.productivePages,
		SuspectStructure: s.suspectStructure,
		Transient:        s.transient,
		NavFailures:      s.navFailures,
		Confidence:       ConfidenceHigh,
	}
	switch {
	case s.productivePages == 0 && s.suspectStructure > 0:
		d.Confidence = ConfidenceLow
	case s.reason == ReasonStalled || s.reason == ReasonNavigationFailed:
		// an empty streak made only of load failures says nothing about
		// the page structure
		if s.streakNavFailures > 0 && s.streakNavFailures == s.consecutiveEmptyPages {
			d.Confidence = ConfidenceLow
		}
	}
	return d
}

// admit counts an unseen key unless it is empty or the target is met.
func (s *State) admit(key string) bool {
	if key == "" || s.TargetReached() {
		return false
	}
	s.visited[key] = struct{}{}
	s.itemsCollected++
	return true
}

func (s *State) endPage(newItems int, loaded bool) {
	if !loaded {
		s.navFailures++
	}
	if newItems > 0 {
		s.productivePages++
		s.consecutiveEmptyPages = 0
		s.streakNavFailures = 0
		return
	}
	s.consecutiveEmptyPages++
	if !loaded {
		s.streakNavFailures++
	}
	if s.productivePages == 0 {
		s.suspectStructure++
	} else {
		s.transient++
	}
}

func (s *State) finish(r Reason) {
	s.done = true
	s.reason = r
}
