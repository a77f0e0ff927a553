package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Persona is the cashier's voice: the system instruction sent with every model
// call and the greeting line shown when a session opens. Loaded from a TOML file
// so shops can re-skin the cashier without a rebuild.
type Persona struct {
	SystemPrompt string `toml:"system_prompt"`
	Greeting     string `toml:"greeting"`
}

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	OpenAIKey     string
	OpenAIBaseURL string
	ModelID       string

	AssemblyAIKey string

	TTSEngine         string // "deepgram" or "elevenlabs"
	DeepgramKey       string
	DeepgramModel     string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	SupabaseURL        string
	SupabaseServiceKey string

	Persona Persona

	// Turn-taking tunables.
	EarlyTriggerChars int
	SilenceGuard      time.Duration
	SpeechTail        time.Duration
}

const defaultSystemPrompt = `You are the cashier at Tarro Coffee. Take the customer's order conversationally: confirm sizes, temperature, milk, sweetness, ice level and add-ons, and quote prices as you go. Keep replies short enough to speak aloud.

When the customer confirms the full order, append a fenced block in exactly this shape after your spoken confirmation:

` + "```receipt" + `
{"type":"order_complete","customer_name":null,"items":[{"item_name":"","size":"","temp":"","milk":null,"sweetness":"","ice_level":"","add_ons":[{"name":"","qty":1,"price":0}],"item_price":0,"special_instructions":""}],"total_price":0}
` + "```" + `

For a change to an order already placed, use "type":"order_update" instead. Never emit more than one block per reply, and never mention the block itself.`

const defaultGreeting = "Hi, welcome to Tarro Coffee! What can I get started for you?"

// Load reads environment variables (and an optional persona TOML file) and
// returns Config with sane defaults.
func Load(personaPath string) Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	openAIKey := os.Getenv("OPENAI_API_KEY")
	if openAIKey == "" {
		log.Println("Warning: OPENAI_API_KEY not set - the cashier model will not work")
	}
	model := os.Getenv("OPENAI_MODEL_ID")
	if model == "" {
		model = "gpt-4o-mini"
	}

	assemblyKey := os.Getenv("ASSEMBLYAI_API_KEY")
	if assemblyKey == "" {
		log.Println("Warning: ASSEMBLYAI_API_KEY not set - voice input will not work")
	}

	engine := os.Getenv("TTS_ENGINE")
	if engine == "" {
		engine = "deepgram"
	}
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	elevenKey := os.Getenv("ELEVENLABS_API_KEY")
	if deepgramKey == "" && elevenKey == "" {
		log.Println("Warning: no TTS key set - speech playback will be skipped")
	}

	supabaseURL := os.Getenv("SUPABASE_URL")
	supabaseKey := os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
	if supabaseURL == "" || supabaseKey == "" {
		log.Println("Warning: SUPABASE_URL / SUPABASE_SERVICE_ROLE_KEY not set - orders will not persist")
	}

	persona := Persona{SystemPrompt: defaultSystemPrompt, Greeting: defaultGreeting}
	if personaPath != "" {
		if _, err := toml.DecodeFile(personaPath, &persona); err != nil {
			log.Printf("persona file %s: %v (using defaults)", personaPath, err)
		}
		if persona.SystemPrompt == "" {
			persona.SystemPrompt = defaultSystemPrompt
		}
		if persona.Greeting == "" {
			persona.Greeting = defaultGreeting
		}
	}

	log.Printf("config: HTTP_ADDRESS=%s TTS_ENGINE=%s", addr, engine)
	return Config{
		HTTPAddress:        addr,
		OpenAIKey:          openAIKey,
		OpenAIBaseURL:      os.Getenv("OPENAI_BASE_URL"),
		ModelID:            model,
		AssemblyAIKey:      assemblyKey,
		TTSEngine:          engine,
		DeepgramKey:        deepgramKey,
		DeepgramModel:      os.Getenv("DEEPGRAM_TTS_MODEL"),
		ElevenLabsKey:      elevenKey,
		ElevenLabsVoiceID:  os.Getenv("ELEVENLABS_VOICE_ID"),
		SupabaseURL:        supabaseURL,
		SupabaseServiceKey: supabaseKey,
		Persona:            persona,
		EarlyTriggerChars:  envInt("EARLY_TRIGGER_CHARS", 80),
		SilenceGuard:       envDuration("SILENCE_GUARD_MS", 12*time.Second),
		SpeechTail:         envDuration("SPEECH_TAIL_MS", 400*time.Millisecond),
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		log.Printf("invalid %s=%q, using %s", key, v, def)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
