package constants

// Redis Key 统一命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 所有key的应用前缀
	AppPrefix = "app"

	// ResumeModulePrefix 简历模块
	ResumeModulePrefix = "resume"
	// MatchModulePrefix 匹配模块
	MatchModulePrefix = "match"

	// EntityActive 当前活跃版本实体
	EntityActive = "active"
	// EntityMD5ToVersion MD5到版本ID的映射实体
	EntityMD5ToVersion = "md5_to_version"
	// EntityResult 匹配结果实体
	EntityResult = "result"

	// KeyActiveResumeVersion 当前活跃简历版本 (STRING)
	// 格式: app:resume:active
	KeyActiveResumeVersion = AppPrefix + ":" + ResumeModulePrefix + ":" + EntityActive

	// KeyResumeMD5ToVersion 简历内容MD5到版本ID的映射，用于重复上传去重 (STRING)
	// 格式: app:resume:md5_to_version:{md5}
	KeyResumeMD5ToVersion = AppPrefix + ":" + ResumeModulePrefix + ":" + EntityMD5ToVersion + ":%s"

	// KeyMatchResult 匹配结果缓存 (STRING, JSON)
	// 格式: app:match:result:{vacancyID}:{versionID}
	KeyMatchResult = AppPrefix + ":" + MatchModulePrefix + ":" + EntityResult + ":%s:%s"
)
