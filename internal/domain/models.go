package domain

import "time"

// SimulationConfig holds the provider, limits and asset references a simulation runs with.
type SimulationConfig struct {
	LLMProvider   string  `json:"llm_provider"`
	ModelName     string  `json:"model_name"`
	MaxTurns      int     `json:"max_turns"`
	MaxSteps      int     `json:"max_steps"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`
	SceneFile     string  `json:"scene_file"`
	CharactersDir string  `json:"characters_dir"`
	PromptsDir    string  `json:"prompts_dir"`
}

// ConfigPatch is a partial SimulationConfig. Nil fields leave the target untouched.
type ConfigPatch struct {
	LLMProvider   *string  `json:"llm_provider,omitempty"`
	ModelName     *string  `json:"model_name,omitempty"`
	MaxTurns      *int     `json:"max_turns,omitempty"`
	MaxSteps      *int     `json:"max_steps,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	SceneFile     *string  `json:"scene_file,omitempty"`
	CharactersDir *string  `json:"characters_dir,omitempty"`
	PromptsDir    *string  `json:"prompts_dir,omitempty"`
}

// Apply returns cfg with every field present in the patch overwritten.
func (p ConfigPatch) Apply(cfg SimulationConfig) SimulationConfig {
	if p.LLMProvider != nil {
		cfg.LLMProvider = *p.LLMProvider
	}
	if p.ModelName != nil {
		cfg.ModelName = *p.ModelName
	}
	if p.MaxTurns != nil {
		cfg.MaxTurns = *p.MaxTurns
	}
	if p.MaxSteps != nil {
		cfg.MaxSteps = *p.MaxSteps
	}
	if p.Temperature != nil {
		cfg.Temperature = *p.Temperature
	}
	if p.MaxTokens != nil {
		cfg.MaxTokens = *p.MaxTokens
	}
	if p.SceneFile != nil {
		cfg.SceneFile = *p.SceneFile
	}
	if p.CharactersDir != nil {
		cfg.CharactersDir = *p.CharactersDir
	}
	if p.PromptsDir != nil {
		cfg.PromptsDir = *p.PromptsDir
	}
	return cfg
}

// Empty reports whether the patch changes nothing.
func (p ConfigPatch) Empty() bool {
	return p == ConfigPatch{}
}

// PatchOf returns a patch that sets every field of cfg.
func PatchOf(cfg SimulationConfig) ConfigPatch {
	return ConfigPatch{
		LLMProvider:   Ptr(cfg.LLMProvider),
		ModelName:     Ptr(cfg.ModelName),
		MaxTurns:      Ptr(cfg.MaxTurns),
		MaxSteps:      Ptr(cfg.MaxSteps),
		Temperature:   Ptr(cfg.Temperature),
		MaxTokens:     Ptr(cfg.MaxTokens),
		SceneFile:     Ptr(cfg.SceneFile),
		CharactersDir: Ptr(cfg.CharactersDir),
		PromptsDir:    Ptr(cfg.PromptsDir),
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// Character is reference data listed by the backend.
type Character struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	PromptTemplate string   `json:"prompt_template,omitempty"`
	Traits         []string `json:"traits,omitempty"`
}

// SimulationState is the client-visible projection of the remote simulation.
type SimulationState struct {
	Status       SimulationStatus `json:"status"`
	CurrentTurn  int              `json:"current_turn"`
	MaxTurns     int              `json:"max_turns"`
	Characters   []Character      `json:"characters"`
	Timeline     []TimelineEntry  `json:"timeline"`
	Config       SimulationConfig `json:"config"`
	SceneName    string           `json:"scene_name,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	StartTime    *time.Time       `json:"start_time,omitempty"`
	EndTime      *time.Time       `json:"end_time,omitempty"`
}

// DefaultState returns the state of a session that has not observed the backend yet.
func DefaultState(cfg SimulationConfig) SimulationState {
	return SimulationState{
		Status:     StatusNotStarted,
		MaxTurns:   cfg.MaxTurns,
		Characters: []Character{},
		Timeline:   []TimelineEntry{},
		Config:     cfg,
	}
}

// StatusSnapshot is the poll response and the push status_update payload.
// Pointer fields and nil slices mean "absent": the corresponding state is left unchanged.
// An empty, non-nil slice is a present, empty value.
type StatusSnapshot struct {
	Status       *SimulationStatus `json:"status,omitempty"`
	CurrentTurn  *int              `json:"current_turn,omitempty"`
	MaxTurns     *int              `json:"max_turns,omitempty"`
	Timeline     []TimelineEntry   `json:"timeline"`
	Characters   []Character       `json:"characters"`
	Config       *ConfigPatch      `json:"config,omitempty"`
	SceneName    *string           `json:"scene_name,omitempty"`
	ErrorMessage *string           `json:"error_message,omitempty"`
}

// StartRequest is the body of the start command.
type StartRequest struct {
	Config SimulationConfig `json:"config"`
}

// InterventionRequest is the body of the intervention command.
type InterventionRequest struct {
	Type            InterventionType `json:"type"`
	Content         string           `json:"content"`
	TargetCharacter string           `json:"target_character,omitempty"`
}

// CommandResponse is the minimal body returned by every command endpoint.
type CommandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// CharacterList is the body returned by the character listing endpoint.
type CharacterList struct {
	Characters []Character `json:"characters"`
}
