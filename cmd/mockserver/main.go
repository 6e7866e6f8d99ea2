// Command mockserver imitates both backends on one port for local testing:
// an Ollama-style runtime under /api and an OpenAI-compatible provider at
// the root. Add ?fail=<status> to a chat URL to force an error response.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"

	"github.com/sleepstars/unigate/internal/models"
	"github.com/sleepstars/unigate/internal/translator"
)

var installed = []string{"llama3:latest", "llama3:8b", "mistral:7b"}

func main() {
	port := flag.String("port", "8001", "Port to run the server on")
	delay := flag.Duration("delay", 50*time.Millisecond, "Delay between streamed chunks")
	flag.Parse()

	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	r.Use(failInjector())

	r.GET("/api/tags", func(c *gin.Context) {
		resp := translator.LocalTagsResponse{}
		for _, name := range installed {
			resp.Models = append(resp.Models, translator.LocalModel{
				Name:       name,
				Model:      name,
				ModifiedAt: time.Now().Format(time.RFC3339),
				Details:    translator.LocalModelDetails{Family: "llama", ParameterSize: "8B"},
			})
		}
		c.JSON(http.StatusOK, resp)
	})

	r.POST("/api/chat", func(c *gin.Context) {
		var req translator.LocalChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		words := reply(req.Model)
		if !req.Stream {
			c.JSON(http.StatusOK, translator.LocalChatResponse{
				Model:           req.Model,
				Message:         translator.LocalMessage{Role: models.RoleAssistant, Content: strings.Join(words, " ")},
				Done:            true,
				PromptEvalCount: len(req.Messages) * 8,
				EvalCount:       len(words),
			})
			return
		}

		// Cumulative text, the way some runtimes resend the whole answer.
		c.Header("Content-Type", "application/x-ndjson")
		var text string
		for i, w := range words {
			if i > 0 {
				text += " "
			}
			text += w
			writeJSONLine(c.Writer, translator.LocalChatResponse{
				Model:   req.Model,
				Message: translator.LocalMessage{Role: models.RoleAssistant, Content: text},
			})
			c.Writer.Flush()
			time.Sleep(*delay)
		}
		writeJSONLine(c.Writer, translator.LocalChatResponse{
			Model:           req.Model,
			Message:         translator.LocalMessage{Role: models.RoleAssistant, Content: text},
			Done:            true,
			DoneReason:      "stop",
			PromptEvalCount: len(req.Messages) * 8,
			EvalCount:       len(words),
		})
	})

	r.GET("/models", func(c *gin.Context) {
		c.JSON(http.StatusOK, openai.ModelsList{Models: []openai.Model{
			{ID: "openai/gpt-4o", Object: "model", OwnedBy: "openai"},
			{ID: "anthropic/claude-3.5-sonnet", Object: "model", OwnedBy: "anthropic"},
		}})
	})

	r.POST("/chat/completions", func(c *gin.Context) {
		if !strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "missing bearer token", "code": 401}})
			return
		}
		var req openai.ChatCompletionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "code": 400}})
			return
		}
		words := reply(req.Model)
		id := "gen-" + strconv.FormatInt(time.Now().UnixNano(), 36)

		if !req.Stream {
			c.JSON(http.StatusOK, openai.ChatCompletionResponse{
				ID:      id,
				Object:  "chat.completion",
				Created: time.Now().Unix(),
				Model:   req.Model,
				Choices: []openai.ChatCompletionChoice{{
					Message:      openai.ChatCompletionMessage{Role: models.RoleAssistant, Content: strings.Join(words, " ")},
					FinishReason: openai.FinishReasonStop,
				}},
				Usage: openai.Usage{PromptTokens: 8, CompletionTokens: len(words), TotalTokens: 8 + len(words)},
			})
			return
		}

		c.Header("Content-Type", "text/event-stream")
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			writeSSE(c.Writer, openai.ChatCompletionStreamResponse{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: time.Now().Unix(),
				Model:   req.Model,
				Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: w}}},
			})
			c.Writer.Flush()
			time.Sleep(*delay)
		}
		writeSSE(c.Writer, openai.ChatCompletionStreamResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []openai.ChatCompletionStreamChoice{{FinishReason: openai.FinishReasonStop}},
		})
		fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	})

	if err := r.Run(":" + *port); err != nil {
		log.Fatal(err)
	}
}

// failInjector answers with the status given in ?fail= instead of the
// handler.
func failInjector() gin.HandlerFunc {
	return func(c *gin.Context) {
		code, err := strconv.Atoi(c.Query("fail"))
		if err != nil || code < 400 || code > 599 {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(code, gin.H{"error": gin.H{"message": http.StatusText(code), "code": code}})
	}
}

func reply(model string) []string {
	return strings.Fields(fmt.Sprintf("This is a mock response from %s.", model))
}

func writeJSONLine(w io.Writer, v any) {
	b, _ := json.Marshal(v)
	w.Write(append(b, '\n'))
}

func writeSSE(w io.Writer, v any) {
	b, _ := json.Marshal(v)
	fmt.Fprintf(w, "data: %s\n\n", b)
}
