package domain

import (
	"fmt"
	"path/filepath"
	"strings"
)

// OperationKind: вид перехваченной операции
type OperationKind string

const (
	OpExec         OperationKind = "exec"
	OpFileRead     OperationKind = "file_read"
	OpFileWrite    OperationKind = "file_write"
	OpFileList     OperationKind = "file_list"
	OpHTTPRequest  OperationKind = "http_request"
	OpOpenURL      OperationKind = "open_url"
	OpSkillInstall OperationKind = "skill_install"
	OpSkillInvoke  OperationKind = "skill_invoke"
)

// Target возвращает класс ресурса, к которому относится операция.
func (k OperationKind) Target() TargetType {
	switch k {
	case OpExec:
		return TargetCommand
	case OpFileRead, OpFileWrite, OpFileList:
		return TargetFilesystem
	case OpHTTPRequest, OpOpenURL:
		return TargetURL
	case OpSkillInstall, OpSkillInvoke:
		return TargetSkill
	default:
		return ""
	}
}

// Operation: размеченное объединение операций. Обязательные поля каждого варианта
// проверяются один раз при построении (NewOperation), дальше ядро работает с типами.
type Operation interface {
	Kind() OperationKind
	// Subject: строка, с которой сравниваются паттерны правил
	Subject() string
	isOperation()
}

// ExecOperation: запуск процесса
type ExecOperation struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
}

func (o ExecOperation) Kind() OperationKind { return OpExec }

// Subject: полная командная строка
func (o ExecOperation) Subject() string {
	if len(o.Args) == 0 {
		return o.Command
	}
	return o.Command + " " + strings.Join(o.Args, " ")
}

// Binary: имя исполняемого файла без пути.
func (o ExecOperation) Binary() string {
	return filepath.Base(o.Command)
}

func (ExecOperation) isOperation() {}

// FileOperation: доступ к файловой системе
type FileOperation struct {
	Op   OperationKind `json:"op"`
	Path string        `json:"path"`
}

func (o FileOperation) Kind() OperationKind { return o.Op }
func (o FileOperation) Subject() string     { return o.Path }
func (FileOperation) isOperation()          {}

// URLOperation: сетевой запрос или открытие ссылки
type URLOperation struct {
	Op     OperationKind `json:"op"`
	URL    string        `json:"url"`
	Method string        `json:"method,omitempty"`
}

func (o URLOperation) Kind() OperationKind { return o.Op }
func (o URLOperation) Subject() string     { return o.URL }
func (URLOperation) isOperation()          {}

// SkillOperation: установка или вызов навыка
type SkillOperation struct {
	Op   OperationKind `json:"op"`
	Slug string        `json:"slug"`
}

func (o SkillOperation) Kind() OperationKind { return o.Op }
func (o SkillOperation) Subject() string     { return o.Slug }
func (SkillOperation) isOperation()          {}

// NewOperation строит типизированную операцию из пары (kind, target), как она приходит по RPC.
func NewOperation(kind OperationKind, target string) (Operation, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, &ValidationError{Field: "target", Message: "target is required"}
	}

	switch kind.Target() {
	case TargetCommand:
		fields := strings.Fields(target)
		return ExecOperation{Command: fields[0], Args: fields[1:]}, nil
	case TargetFilesystem:
		return FileOperation{Op: kind, Path: filepath.Clean(target)}, nil
	case TargetURL:
		return URLOperation{Op: kind, URL: target}, nil
	case TargetSkill:
		return SkillOperation{Op: kind, Slug: target}, nil
	default:
		return nil, &ValidationError{Field: "operation", Message: fmt.Sprintf("unknown operation %q", kind)}
	}
}
