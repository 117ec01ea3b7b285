package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

var (
	clusterNamePattern  = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,98}[a-z0-9])?$`)
	k8sVersionPattern   = regexp.MustCompile(`^1\.\d{1,2}$`)
	instanceTypePattern = regexp.MustCompile(`^[a-z][0-9][a-z]?\.(nano|micro|small|medium|large|xlarge|[0-9]+xlarge)$`)
)

// RequestValidator checks request bodies against field rules and the
// version allow-list.
type RequestValidator struct {
	validate *validator.Validate
	versions []string
}

// NewRequestValidator creates a validator accepting the given versions.
func NewRequestValidator(versions []string) (*RequestValidator, error) {
	rv := &RequestValidator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		versions: append([]string(nil), versions...),
	}

	rv.validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	})

	rules := map[string]validator.Func{
		"cluster_name":      patternRule(clusterNamePattern),
		"k8s_version":       patternRule(k8sVersionPattern),
		"instance_type":     patternRule(instanceTypePattern),
		"supported_version": rv.supportedVersion,
	}
	for tag, fn := range rules {
		if err := rv.validate.RegisterValidation(tag, fn); err != nil {
			return nil, fmt.Errorf("failed to register %s validation: %w", tag, err)
		}
	}

	return rv, nil
}

func patternRule(re *regexp.Regexp) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return re.MatchString(fl.Field().String())
	}
}

func (rv *RequestValidator) supportedVersion(fl validator.FieldLevel) bool {
	version := fl.Field().String()
	for _, v := range rv.versions {
		if v == version {
			return true
		}
	}
	return false
}

// Versions returns the allow-list.
func (rv *RequestValidator) Versions() []string {
	return append([]string(nil), rv.versions...)
}

// Decode reads a ClusterRequest from r, rejecting unknown fields and
// trailing data, and validates it.
func (rv *RequestValidator) Decode(r *http.Request) (*ClusterRequest, error) {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	var req ClusterRequest
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, engine.NewValidationError("request body is required", nil)
		}
		return nil, engine.NewValidationError("invalid request body: "+err.Error(), nil)
	}
	if dec.More() {
		return nil, engine.NewValidationError("request body must contain a single JSON object", nil)
	}

	if err := rv.Validate(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks every field and reports the first failure per field.
func (rv *RequestValidator) Validate(req *ClusterRequest) error {
	err := rv.validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return engine.NewInternalError("failed to validate request", err)
	}

	messages := make([]string, 0, len(verrs))
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		msg := rv.fieldMessage(fe)
		messages = append(messages, msg)
		fields[fe.Field()] = msg
	}

	verr := engine.NewValidationError(strings.Join(messages, "; "), nil).
		WithDetail("fields", fields)
	if req.ClusterName != "" {
		verr = verr.WithResource(req.ClusterName)
	}
	return verr
}

func (rv *RequestValidator) fieldMessage(fe validator.FieldError) string {
	value := fmt.Sprint(fe.Value())
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "cluster_name", "max":
		return "Cluster name must be DNS-compliant: lowercase alphanumeric characters or '-', " +
			"starting and ending with an alphanumeric character, at most 100 characters"
	case "k8s_version":
		return "Kubernetes version must be in format 1.XX"
	case "supported_version":
		return fmt.Sprintf("Kubernetes version %s is not in supported versions: %s",
			value, strings.Join(rv.versions, ", "))
	case "instance_type":
		return "Instance type must be valid EC2 format (e.g., m5.xlarge, t3.medium)"
	case "oneof":
		return fmt.Sprintf("IP family must be one of: %s", strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag())
	}
}
