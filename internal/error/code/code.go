package code

// HTTP状态码.
const (
	// StatusOK - 200: 成功.
	StatusOK = 200
	// StatusBadRequest - 400: 请求参数错误.
	StatusBadRequest = 400
	// StatusUnauthorized - 401: 未授权.
	StatusUnauthorized = 401
	// StatusForbidden - 403: 禁止访问.
	StatusForbidden = 403
	// StatusNotFound - 404: 资源不存在.
	StatusNotFound = 404
	// StatusInternalServerError - 500: 服务器内部错误.
	StatusInternalServerError = 500
)

// 通用错误码 (100xxx).
const (
	// ErrSuccess - 200: 成功.
	ErrSuccess int = iota + 100000
	// ErrUnknown - 500: 未知错误.
	ErrUnknown
	// ErrBind - 400: 请求参数绑定错误.
	ErrBind
	// ErrValidation - 400: 请求参数验证错误.
	ErrValidation
	// ErrTokenInvalid - 401: 令牌无效.
	ErrTokenInvalid
)

// 用户相关错误码 (101xxx).
const (
	// ErrUserNotFound - 404: 用户不存在.
	ErrUserNotFound int = iota + 101000
	// ErrUserPasswordIncorrect - 401: 用户密码错误.
	ErrUserPasswordIncorrect
)

// 设备相关错误码 (102xxx).
const (
	// ErrDeviceNotFound - 404: 设备不存在.
	ErrDeviceNotFound int = iota + 102000
	// ErrDeviceAlreadyExist - 400: 设备已存在.
	ErrDeviceAlreadyExist
	// ErrDeviceOffline - 400: 设备离线.
	ErrDeviceOffline
)

// 人脸相关错误码 (103xxx).
const (
	// ErrFacialNotFound - 404: 人脸数据不存在.
	ErrFacialNotFound int = iota + 103000
	// ErrFacialInactive - 400: 人脸数据已停用.
	ErrFacialInactive
)

// 任务相关错误码 (104xxx).
const (
	// ErrTaskNotFound - 404: 任务不存在.
	ErrTaskNotFound int = iota + 104000
	// ErrTaskNotCancellable - 400: 任务当前状态不可取消.
	ErrTaskNotCancellable
	// ErrTaskEnqueueFailed - 500: 任务入队失败.
	ErrTaskEnqueueFailed
)

// 数据库相关错误码 (105xxx).
const (
	// ErrDatabase - 500: 数据库错误.
	ErrDatabase int = iota + 105000
	// ErrRecordNotFound - 404: 记录不存在.
	ErrRecordNotFound
)
